// Package main provides the container probe for trustd. It requests the
// readiness endpoint and exits 0 when the service is ready. On failure it
// prints the components that are not ready and exits 1.
//
// Usage: healthcheck [url]
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"
)

const defaultURL = "http://localhost:8080/readyz"

type readiness struct {
	Status     string                       `json:"status"`
	Components map[string]map[string]string `json:"components"`
}

func main() {
	url := defaultURL
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if err := check(&http.Client{Timeout: 5 * time.Second}, url, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

// check probes url and reports unhealthy readiness components to w.
func check(client *http.Client, url string, w io.Writer) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body readiness
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		names := make([]string, 0, len(body.Components))
		for name := range body.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := body.Components[name]
			if healthy(name, c["status"]) {
				continue
			}
			fmt.Fprintf(w, "  %s: %s %s\n", name, c["status"], c["error"])
		}
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func healthy(component, status string) bool {
	switch status {
	case "up", "complete", "leader", "follower":
		return true
	case "not_configured":
		return component != "database"
	}
	return false
}
