package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/config"
)

// BanPolicy says what to do when a banned user tries to speak in a channel
// they are banned from (but still in, or messaging from outside).
type BanPolicy int

const (
	// BanPolicyNormal means bans only block joining. A banned user that is
	// somehow able to message the channel may do so.
	BanPolicyNormal BanPolicy = iota

	// BanPolicyRestrictSilent means we drop the message without telling the
	// sender anything.
	BanPolicyRestrictSilent

	// BanPolicyRestrictNotify means we drop the message and tell the sender
	// they're banned.
	BanPolicyRestrictNotify
)

// Config holds a server's configuration.
type Config struct {
	ListenHost  string
	ListenPort  string
	ServerName  string
	ServerInfo  string
	Version     string
	CreatedDate string
	MOTD        string

	MaxNickLength int

	// Period of time to wait before waking server up (maximum).
	WakeupTime time.Duration

	// Period of time a client can be idle before we send it a PING.
	PingTime time.Duration

	// Period of time a client can be idle before we consider it dead.
	DeadTime time.Duration

	// Oper name to password.
	Opers map[string]string

	// Server name to its link information.
	Servers map[string]ServerDefinition

	// What to do about banned users trying to speak.
	BanPolicy BanPolicy

	// How to canonicalize nicks and channel names.
	Casemapping Casemapping
}

// ServerDefinition defines how to link to a server.
type ServerDefinition struct {
	Name     string
	Hostname string
	Port     int
	Pass     string
}

// checkAndParseConfig checks configuration keys are present and in an
// acceptable format.
//
// We parse some values into alternate representations.
func checkAndParseConfig(file string) (*Config, error) {
	configMap, err := config.ReadStringMap(file)
	if err != nil {
		return nil, err
	}

	requiredKeys := []string{
		"listen-host",
		"listen-port",
		"server-name",
		"server-info",
		"version",
		"created-date",
		"motd",
		"max-nick-length",
		"wakeup-time",
		"ping-time",
		"dead-time",
		"opers-config",
		"servers-config",
	}

	// Check each key we want is present and non-blank.
	for _, key := range requiredKeys {
		v, exists := configMap[key]
		if !exists {
			return nil, fmt.Errorf("missing required key: %s", key)
		}

		if len(v) == 0 {
			return nil, fmt.Errorf("configuration value is blank: %s", key)
		}
	}

	var c Config

	c.ListenHost = configMap["listen-host"]
	c.ListenPort = configMap["listen-port"]
	c.ServerName = configMap["server-name"]
	c.ServerInfo = configMap["server-info"]
	c.Version = configMap["version"]
	c.CreatedDate = configMap["created-date"]
	c.MOTD = configMap["motd"]

	nickLen64, err := strconv.ParseInt(configMap["max-nick-length"], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("max nick length is not valid: %s", err)
	}
	c.MaxNickLength = int(nickLen64)

	c.WakeupTime, err = time.ParseDuration(configMap["wakeup-time"])
	if err != nil {
		return nil, fmt.Errorf("wakeup time is in invalid format: %s", err)
	}

	c.PingTime, err = time.ParseDuration(configMap["ping-time"])
	if err != nil {
		return nil, fmt.Errorf("ping time is in invalid format: %s", err)
	}

	c.DeadTime, err = time.ParseDuration(configMap["dead-time"])
	if err != nil {
		return nil, fmt.Errorf("dead time is in invalid format: %s", err)
	}

	opers, err := config.ReadStringMap(configMap["opers-config"])
	if err != nil {
		return nil, fmt.Errorf("unable to load opers config: %s", err)
	}
	c.Opers = opers

	c.Servers = make(map[string]ServerDefinition)
	servers, err := config.ReadStringMap(configMap["servers-config"])
	if err != nil {
		return nil, fmt.Errorf("unable to load servers config: %s", err)
	}

	for name, v := range servers {
		link, err := parseLink(name, v)
		if err != nil {
			return nil, fmt.Errorf("malformed server link information: %s: %s", name,
				err)
		}
		c.Servers[name] = link
	}

	// Optional keys.

	c.BanPolicy, err = parseBanPolicy(configMap["ban-policy"])
	if err != nil {
		return nil, err
	}

	c.Casemapping, err = parseCasemapping(configMap["casemapping"])
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// parseBanPolicy translates the ban-policy config value. Blank means the
// permissive default.
func parseBanPolicy(s string) (BanPolicy, error) {
	switch s {
	case "", "normal":
		return BanPolicyNormal, nil
	case "restrict-silent":
		return BanPolicyRestrictSilent, nil
	case "restrict-notify":
		return BanPolicyRestrictNotify, nil
	}
	return BanPolicyNormal, fmt.Errorf("unknown ban-policy: %s", s)
}

func parseCasemapping(s string) (Casemapping, error) {
	switch s {
	case "", "rfc1459":
		return CasemapRFC1459, nil
	case "strict-rfc1459":
		return CasemapStrictRFC1459, nil
	}
	return CasemapRFC1459, fmt.Errorf("unknown casemapping: %s", s)
}

// Parse the value side of a server definition from the servers config.
// Format:
// <hostname>,<port>,<password>
func parseLink(name, s string) (ServerDefinition, error) {
	pieces := strings.Split(s, ",")
	if len(pieces) != 3 {
		return ServerDefinition{}, fmt.Errorf("unexpected number of fields")
	}

	hostname := strings.TrimSpace(pieces[0])
	if len(hostname) == 0 {
		return ServerDefinition{}, fmt.Errorf("you must specify a hostname")
	}

	port, err := strconv.ParseInt(strings.TrimSpace(pieces[1]), 10, 32)
	if err != nil {
		return ServerDefinition{}, fmt.Errorf("invalid port: %s: %s", pieces[1],
			err)
	}

	pass := strings.TrimSpace(pieces[2])
	if len(pass) == 0 {
		return ServerDefinition{}, fmt.Errorf("you must specify a password")
	}

	return ServerDefinition{
		Name:     name,
		Hostname: hostname,
		Port:     int(port),
		Pass:     pass,
	}, nil
}
