package rebase

import "testing"

func TestParseOwnerRepoHTTPS(t *testing.T) {
	owner, repo := parseOwnerRepo("https://github.com/donsqualo/clawdorio.git")
	if owner != "donsqualo" || repo != "clawdorio" {
		t.Fatalf("got owner=%q repo=%q", owner, repo)
	}
}

func TestParseOwnerRepoSSH(t *testing.T) {
	owner, repo := parseOwnerRepo("git@github.com:donsqualo/clawdorio.git")
	if owner != "donsqualo" || repo != "clawdorio" {
		t.Fatalf("got owner=%q repo=%q", owner, repo)
	}
}

func TestParseOwnerRepoEmpty(t *testing.T) {
	owner, repo := parseOwnerRepo("")
	if owner != "" || repo != "" {
		t.Fatalf("expected empty, got owner=%q repo=%q", owner, repo)
	}
}
