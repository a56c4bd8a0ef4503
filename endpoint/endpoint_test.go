// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"testing"

	"github.com/groundlink/uplink/lib/secret"
)

func TestURLs(t *testing.T) {
	t.Parallel()
	plain := Config{Host: "sim.example", Port: 8090, Instance: "sim"}
	if got := plain.BaseURL().String(); got != "http://sim.example:8090" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := plain.StreamURL("sim").String(); got != "ws://sim.example:8090/api/websocket/sim" {
		t.Errorf("StreamURL = %q", got)
	}

	secure := Config{Host: "::1", Port: 443, TLS: true}
	if got := secure.BaseURL().String(); got != "https://[::1]:443" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := secure.StreamURL("a b").String(); got != "wss://[::1]:443/api/websocket/a%20b" {
		t.Errorf("StreamURL = %q", got)
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		config Config
		want   string
	}{
		{Config{Name: "Ops", Host: "h", Port: 1}, "Ops"},
		{Config{Host: "h", Port: 1}, "h:1"},
		{Config{Host: "h", Port: 1, Instance: "sim"}, "h:1/sim"},
	}
	for _, test := range tests {
		if got := test.config.String(); got != test.want {
			t.Errorf("String() = %q, want %q", got, test.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := (Config{Host: "h", Port: 8090}).Validate(); err != nil {
		t.Fatalf("valid endpoint rejected: %v", err)
	}
	if err := (Config{Port: 0}).Validate(); err == nil {
		t.Fatal("empty endpoint accepted")
	}
}

func TestSameIgnoresNameButNotCredentials(t *testing.T) {
	t.Parallel()
	base := Config{Name: "A", Host: "sim.example", Port: 8090, Instance: "sim"}
	renamed := base
	renamed.Name = "B"
	if !base.Same(renamed) {
		t.Fatal("display name changed identity")
	}

	otherInstance := base
	otherInstance.Instance = "ops"
	if base.Same(otherInstance) {
		t.Fatal("instance did not change identity")
	}

	password, err := secret.FromBytes([]byte("pw"))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	withUser := base
	withUser.Credentials = &Credentials{Username: "operator", Password: password}
	t.Cleanup(func() { withUser.Credentials.Close() })
	if base.Same(withUser) {
		t.Fatal("credentials did not change identity")
	}
	if len(withUser.Fingerprint()) != 32 {
		t.Fatalf("fingerprint length = %d", len(withUser.Fingerprint()))
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	t.Parallel()
	a := Config{Host: "ab", Port: 1, Instance: "c"}
	b := Config{Host: "a", Port: 1, Instance: "bc"}
	if a.Same(b) {
		t.Fatal("fields run together in fingerprint")
	}
}

func TestMode(t *testing.T) {
	t.Parallel()
	if Primary.Other() != Failover || Failover.Other() != Primary {
		t.Fatal("Other does not flip")
	}
	if Failover.Title() != "Failover" || Primary.String() != "primary" {
		t.Fatal("unexpected mode names")
	}
	mode, err := ParseMode("failover")
	if err != nil || mode != Failover {
		t.Fatalf("ParseMode = %v, %v", mode, err)
	}
	if _, err := ParseMode("backup"); err == nil {
		t.Fatal("ParseMode accepted unknown mode")
	}
}

func TestPairFor(t *testing.T) {
	t.Parallel()
	primary := Config{Host: "p", Port: 1}
	failover := Config{Host: "f", Port: 1}

	single := Pair{Primary: primary}
	if single.HasFailover() || single.For(Failover).Host != "p" {
		t.Fatal("missing failover should resolve to primary")
	}
	both := Pair{Primary: primary, Failover: &failover}
	if both.For(Failover).Host != "f" || both.For(Primary).Host != "p" {
		t.Fatal("For returned wrong endpoint")
	}
	if err := both.Close(); err != nil {
		t.Fatalf("Close with nil credentials: %v", err)
	}
}
