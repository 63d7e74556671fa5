package main

import "testing"

func TestBuildEngineRequiresCredentials(t *testing.T) {
	flagBridgeURL = ""
	flagPublicKey = ""
	flagPrivateKey = ""
	flagEmail = ""
	flagPassword = ""
	flagBlacklist = t.TempDir()

	if _, err := buildEngine(); err == nil {
		t.Fatal("expected an error when no auth flags are set")
	}
}

func TestBuildEngineAcceptsKeypair(t *testing.T) {
	flagBridgeURL = "https://example.invalid"
	flagPublicKey = "aa"
	flagPrivateKey = "bb"
	flagEmail = ""
	flagPassword = ""
	flagBlacklist = t.TempDir()
	defer func() {
		flagPublicKey, flagPrivateKey = "", ""
	}()

	e, err := buildEngine()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
}

func TestBuildEngineAcceptsBasicAuth(t *testing.T) {
	flagBridgeURL = "https://example.invalid"
	flagPublicKey = ""
	flagPrivateKey = ""
	flagEmail = "user@example.com"
	flagPassword = "secret"
	flagBlacklist = t.TempDir()
	defer func() {
		flagEmail, flagPassword = "", ""
	}()

	e, err := buildEngine()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
}
