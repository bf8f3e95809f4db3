package main

import "testing"

func TestRankPrefix(t *testing.T) {
	tests := []struct {
		rank int
		want string
	}{
		{0, ""},
		{VoiceRank, "+"},
		{HalfopRank, "%"},
		{OpRank, "@"},
		{OpRank + 1, "@"},
	}

	for _, test := range tests {
		if got := rankPrefix(test.rank); got != test.want {
			t.Errorf("rankPrefix(%d) = %q, wanted %q", test.rank, got,
				test.want)
		}
	}
}

func TestIsBanned(t *testing.T) {
	u := &User{
		UID:         1,
		DisplayNick: "alice",
		Username:    "alice",
		Hostname:    "host.example.com",
		IP:          "10.0.0.5",
	}

	tests := []struct {
		bans []string
		want bool
	}{
		{nil, false},
		{[]string{"alice!*@*"}, true},
		{[]string{"bob!*@*"}, false},
		{[]string{"*!*@host.example.com"}, true},

		// Masks match against the IP form too.
		{[]string{"*!*@10.0.0.*"}, true},
		{[]string{"*!*@10.0.1.*"}, false},

		// Caseless.
		{[]string{"ALICE!*@*"}, true},
	}

	for _, test := range tests {
		c := &Channel{Name: "#test", Bans: test.bans}
		if got := c.isBanned(CasemapRFC1459, u); got != test.want {
			t.Errorf("isBanned(%v) = %v, wanted %v", test.bans, got,
				test.want)
		}
	}
}

func TestStatusPrefixRanks(t *testing.T) {
	// The floors must be strictly ordered or the delivery gate breaks.
	if !(VoiceRank < HalfopRank && HalfopRank < OpRank) {
		t.Fatalf("membership ranks are not ordered")
	}

	for _, prefix := range []byte{'+', '%', '@'} {
		if !isStatusPrefix(prefix) {
			t.Errorf("isStatusPrefix(%q) = false", prefix)
		}
	}
	if isStatusPrefix('#') {
		t.Errorf("isStatusPrefix('#') = true")
	}
}
