package main

// The hook registry lets modules see and veto messages as they pass through
// the dispatcher. A module registers once and may implement any subset of
// the hook interfaces. Hooks fire in registration order and must not retain
// the MessageDetails beyond their return: it lives on the stack of one
// dispatch.

// HookResult is what a pre-message hook says about a message.
type HookResult int

const (
	// HookContinue lets the message continue through the chain.
	HookContinue HookResult = iota

	// HookDeny blocks the message. The denying hook is expected to have told
	// the sender why, if it wants them to know.
	HookDeny
)

// PreMessageHook runs before fan-out. It may mutate the message text, the
// outbound tags, or the exemption set. The first hook to deny halts the
// chain.
type PreMessageHook interface {
	OnPreMessage(source *User, target *MessageTarget,
		details *MessageDetails) HookResult
}

// MessageBlockedHook fires after a pre-message hook denied the message.
// Informational.
type MessageBlockedHook interface {
	OnMessageBlocked(source *User, target *MessageTarget,
		details *MessageDetails)
}

// MessageHook fires after a successful pre-message pass, before fan-out.
// Informational.
type MessageHook interface {
	OnMessage(source *User, target *MessageTarget, details *MessageDetails)
}

// PostMessageHook fires after fan-out.
type PostMessageHook interface {
	OnPostMessage(source *User, target *MessageTarget,
		details *MessageDetails)
}

// HookRegistry holds registered modules split by the hooks they implement.
type HookRegistry struct {
	pre     []PreMessageHook
	blocked []MessageBlockedHook
	message []MessageHook
	post    []PostMessageHook
}

// NewHookRegistry makes an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{}
}

// Register adds a module to every hook list it implements. Order of
// registration is the order hooks fire in.
func (r *HookRegistry) Register(module interface{}) {
	if h, ok := module.(PreMessageHook); ok {
		r.pre = append(r.pre, h)
	}
	if h, ok := module.(MessageBlockedHook); ok {
		r.blocked = append(r.blocked, h)
	}
	if h, ok := module.(MessageHook); ok {
		r.message = append(r.message, h)
	}
	if h, ok := module.(PostMessageHook); ok {
		r.post = append(r.post, h)
	}
}

// preMessage runs the pre-message hooks in order. The first deny wins.
func (r *HookRegistry) preMessage(source *User, target *MessageTarget,
	details *MessageDetails) HookResult {
	for _, h := range r.pre {
		if h.OnPreMessage(source, target, details) == HookDeny {
			return HookDeny
		}
	}
	return HookContinue
}

func (r *HookRegistry) messageBlocked(source *User, target *MessageTarget,
	details *MessageDetails) {
	for _, h := range r.blocked {
		h.OnMessageBlocked(source, target, details)
	}
}

func (r *HookRegistry) messageAboutToSend(source *User, target *MessageTarget,
	details *MessageDetails) {
	for _, h := range r.message {
		h.OnMessage(source, target, details)
	}
}

func (r *HookRegistry) postMessage(source *User, target *MessageTarget,
	details *MessageDetails) {
	for _, h := range r.post {
		h.OnPostMessage(source, target, details)
	}
}
