package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"
)

// healthDetails mirrors the JSON shape served by health.Monitor's
// /health/details endpoint.
type healthDetails struct {
	Status   string `json:"status"`
	Services map[string]struct {
		Status      string         `json:"status"`
		LastChecked time.Time      `json:"lastChecked"`
		Details     map[string]any `json:"details"`
	} `json:"services"`
}

// printStatus implements the "status" CLI verb from spec.md §6 /
// SPEC_FULL.md §4.10: it queries a running instance's health HTTP surface
// and prints a {component, state, lastError} table: state is the
// bootstrapState that compose.go's start hooks stamp into each service's
// Details (the service's status when none is stamped), and lastError is
// printed only when a Details entry carries one.
func printStatus(w io.Writer, host string, port int) error {
	url := fmt.Sprintf("http://%s:%d/health/details", host, port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("p2pmesh: could not reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	var details healthDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return fmt.Errorf("p2pmesh: malformed status response: %w", err)
	}

	names := make([]string, 0, len(details.Services))
	for name := range details.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATE\tLAST ERROR")
	for _, name := range names {
		svc := details.Services[name]
		state, _ := svc.Details["bootstrapState"].(string)
		if state == "" {
			state = svc.Status
		}
		lastErr, _ := svc.Details["lastError"].(string)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, state, lastErr)
	}
	return tw.Flush()
}
