// relayctl is a small operator CLI for the relay control plane. It speaks the
// daemon's HTTP API and is meant for humans and CI scripts, not for other
// services.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const usage = `usage: relayctl [flags] <command> [args]

commands:
  submit <pipeline> <eventKind> <ref>   trigger a run and wait for it to finish
  status <run-id>                       print a run
  events <run-id>                       print a run's stage events
  target <environment>                  print a deployment target
  pipelines                             list registered pipelines
  force-release <group>                 force-release a concurrency group lease
  force-rollback <session-id>           force a canary session to roll back

flags:
  -addr    daemon base URL (default http://localhost:8072, env RELAY_ADDR)
  -token   bearer token for write commands (env RELAY_TOKEN)
  -no-wait submit only; do not poll the run to completion
`

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	addr := flag.String("addr", envOr("RELAY_ADDR", "http://localhost:8072"), "daemon base URL")
	token := flag.String("token", os.Getenv("RELAY_TOKEN"), "bearer token for write commands")
	noWait := flag.Bool("no-wait", false, "do not poll a submitted run to completion")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		base:  strings.TrimRight(*addr, "/"),
		token: *token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch args[0] {
	case "submit":
		if len(args) != 4 {
			fatalf("submit needs <pipeline> <eventKind> <ref>")
		}
		err = c.submit(args[1], args[2], args[3], !*noWait)
	case "status":
		if len(args) != 2 {
			fatalf("status needs <run-id>")
		}
		err = c.printJSON("GET", "/v1/runs/"+args[1], nil)
	case "events":
		if len(args) != 2 {
			fatalf("events needs <run-id>")
		}
		err = c.printJSON("GET", "/v1/runs/"+args[1]+"/events", nil)
	case "target":
		if len(args) != 2 {
			fatalf("target needs <environment>")
		}
		err = c.printJSON("GET", "/v1/targets/"+args[1], nil)
	case "pipelines":
		err = c.printJSON("GET", "/v1/pipelines", nil)
	case "force-release":
		if len(args) != 2 {
			fatalf("force-release needs <group>")
		}
		err = c.printJSON("POST", "/v1/leases/"+args[1]+"/force-release", nil)
	case "force-rollback":
		if len(args) != 2 {
			fatalf("force-rollback needs <session-id>")
		}
		err = c.printJSON("POST", "/v1/canary/"+args[1]+"/force-rollback", nil)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

type runView struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	StageStatuses map[string]string `json:"stageStatuses"`
	FailedStage   string            `json:"failedStage,omitempty"`
}

func (c *client) submit(pipeline, eventKind, ref string, wait bool) error {
	body := map[string]string{"pipeline": pipeline, "eventKind": eventKind, "ref": ref}
	var run runView
	if err := c.do("POST", "/v1/runs", body, &run); err != nil {
		return err
	}
	fmt.Printf("run %s queued\n", run.ID)
	if !wait {
		return nil
	}

	seen := map[string]string{}
	for {
		time.Sleep(2 * time.Second)
		if err := c.do("GET", "/v1/runs/"+run.ID, nil, &run); err != nil {
			return err
		}
		for stage, status := range run.StageStatuses {
			if seen[stage] != status {
				seen[stage] = status
				fmt.Printf("  %-24s %s\n", stage, status)
			}
		}
		switch run.Status {
		case "succeeded":
			fmt.Printf("run %s succeeded\n", run.ID)
			return nil
		case "failed", "aborted":
			if run.FailedStage != "" {
				fmt.Printf("run %s %s (stage %s)\n", run.ID, run.Status, run.FailedStage)
			} else {
				fmt.Printf("run %s %s\n", run.ID, run.Status)
			}
			os.Exit(1)
		}
	}
}

func (c *client) printJSON(method, path string, body interface{}) error {
	var out json.RawMessage
	if err := c.do(method, path, body, &out); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "relayctl: "+format+"\n", args...)
	os.Exit(1)
}
