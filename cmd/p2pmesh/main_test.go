package main

import (
	"errors"
	"testing"
)

func TestParseComponentsSubset(t *testing.T) {
	got, err := parseComponents("tracker,peer")
	if err != nil {
		t.Fatalf("parseComponents: %v", err)
	}
	if !got["tracker"] || !got["peer"] || got["indexserver"] {
		t.Fatalf("unexpected component set: %+v", got)
	}
}

func TestParseComponentsAllExpandsToEveryRole(t *testing.T) {
	got, err := parseComponents("all")
	if err != nil {
		t.Fatalf("parseComponents: %v", err)
	}
	for _, name := range []string{"tracker", "indexserver", "peer"} {
		if !got[name] {
			t.Fatalf("expected %q in expansion of \"all\", got %+v", name, got)
		}
	}
}

func TestParseComponentsRejectsUnknownName(t *testing.T) {
	_, err := parseComponents("tracker,bogus")
	if err == nil {
		t.Fatal("expected error for unknown component name")
	}
	var ae *argError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *argError, got %T", err)
	}
}

func TestParseComponentsRejectsEmpty(t *testing.T) {
	_, err := parseComponents("  ")
	var ae *argError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *argError for empty spec, got %v", err)
	}
}

func TestSplitConfigArgsPositionalAndFlags(t *testing.T) {
	components, configFile, kvArgs, err := splitConfigArgs([]string{
		"--config.file=/etc/p2pmesh.yaml",
		"tracker,peer",
		"--tracker.port=9000",
		"--peer.id=p1",
	})
	if err != nil {
		t.Fatalf("splitConfigArgs: %v", err)
	}
	if components != "tracker,peer" {
		t.Fatalf("expected positional components arg, got %q", components)
	}
	if configFile != "/etc/p2pmesh.yaml" {
		t.Fatalf("expected config file extracted, got %q", configFile)
	}
	if len(kvArgs) != 2 || kvArgs[0] != "--tracker.port=9000" || kvArgs[1] != "--peer.id=p1" {
		t.Fatalf("unexpected kvArgs: %+v", kvArgs)
	}
}

func TestSplitConfigArgsMissingPositionalIsArgError(t *testing.T) {
	_, _, _, err := splitConfigArgs([]string{"--tracker.port=9000"})
	if err == nil {
		t.Fatal("expected error for missing <components> argument")
	}
	var ae *argError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *argError, got %T", err)
	}
}

func TestSplitConfigArgsWithoutConfigFile(t *testing.T) {
	components, configFile, kvArgs, err := splitConfigArgs([]string{"all"})
	if err != nil {
		t.Fatalf("splitConfigArgs: %v", err)
	}
	if components != "all" || configFile != "" || len(kvArgs) != 0 {
		t.Fatalf("unexpected result: components=%q configFile=%q kvArgs=%+v", components, configFile, kvArgs)
	}
}

func TestExitCodeForMapping(t *testing.T) {
	if got := exitCodeFor(nil); got != 0 {
		t.Fatalf("expected 0 for nil error, got %d", got)
	}
	if got := exitCodeFor(&argError{"bad args"}); got != 2 {
		t.Fatalf("expected 2 for *argError, got %d", got)
	}
	if got := exitCodeFor(errors.New("boom")); got != 1 {
		t.Fatalf("expected 1 for generic error, got %d", got)
	}
}
