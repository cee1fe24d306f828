package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dray-io/scavd/internal/scavenge/runlog"
	"github.com/dray-io/scavd/internal/server"
)

// adminClient talks to the admin API of a running node.
type adminClient struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
}

func newAdminClient(addr, user, password string, timeout time.Duration) *adminClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &adminClient{
		baseURL:  strings.TrimRight(addr, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx reply that carried no scavenge result.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Body: string(body)}
	}
	return resp.StatusCode, nil
}

// scavenge sends a control request. Every reply the coordinator can make is
// returned as a ScavengeResponse regardless of status code.
func (c *adminClient) scavenge(ctx context.Context, method, path string) (server.ScavengeResponse, error) {
	var resp server.ScavengeResponse
	code, err := c.do(ctx, method, path, &resp)
	if err != nil {
		return resp, err
	}
	if resp.Result == "" {
		return resp, &apiError{Status: code}
	}
	return resp, nil
}

func (c *adminClient) Start(ctx context.Context, startFromChunk, threads int) (server.ScavengeResponse, error) {
	q := url.Values{}
	q.Set("startFromChunk", strconv.Itoa(startFromChunk))
	if threads > 0 {
		q.Set("threads", strconv.Itoa(threads))
	}
	return c.scavenge(ctx, http.MethodPost, "/admin/scavenge?"+q.Encode())
}

func (c *adminClient) Stop(ctx context.Context, id string) (server.ScavengeResponse, error) {
	return c.scavenge(ctx, http.MethodDelete, "/admin/scavenge/"+url.PathEscape(id))
}

func (c *adminClient) Status(ctx context.Context) (server.ScavengeResponse, error) {
	return c.scavenge(ctx, http.MethodGet, "/admin/scavenge/current")
}

func (c *adminClient) Runs(ctx context.Context, limit int) ([]runlog.Record, error) {
	var records []runlog.Record
	code, err := c.do(ctx, http.MethodGet, "/admin/scavenge/runs?limit="+strconv.Itoa(limit), &records)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, &apiError{Status: code}
	}
	return records, nil
}

func (c *adminClient) Run(ctx context.Context, id string) (runlog.Record, error) {
	var rec runlog.Record
	code, err := c.do(ctx, http.MethodGet, "/admin/scavenge/runs/"+url.PathEscape(id), &rec)
	if err != nil {
		return rec, err
	}
	if code != http.StatusOK {
		return rec, &apiError{Status: code}
	}
	return rec, nil
}

// runAdmin handles admin subcommands.
func runAdmin(args []string) {
	if len(args) < 1 || args[0] != "scavenge" {
		printAdminUsage()
		os.Exit(1)
	}
	args = args[1:]
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "start", "stop", "status", "runs":
		os.Exit(runScavengeCommand(subcommand, args[1:], os.Stdout, os.Stderr))
	case "help", "-h", "--help":
		printAdminUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown scavenge command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: scavd admin scavenge <command> [options]

Control scavenges on a running node.

Commands:
  start      Start a scavenge
  stop       Stop a scavenge (blocks until it has ended)
  status     Show whether a scavenge is running
  runs       List past runs, or show one with -id

Credentials default to $SCAVD_ADMIN_USER and $SCAVD_ADMIN_PASSWORD.`)
}

// runScavengeCommand runs one admin command and returns the exit code.
func runScavengeCommand(name string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scavenge "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("SCAVD_ADMIN_ADDR", "localhost:2113"), "Admin API address")
	user := fs.String("user", os.Getenv("SCAVD_ADMIN_USER"), "Admin user")
	password := fs.String("password", os.Getenv("SCAVD_ADMIN_PASSWORD"), "Admin password")
	timeout := fs.Duration("timeout", 0, "Request timeout (0 waits indefinitely)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	var startFrom, threads, limit *int
	var id *string
	switch name {
	case "start":
		startFrom = fs.Int("start-from-chunk", 0, "First chunk to scavenge")
		threads = fs.Int("threads", 0, "Number of chunks scavenged in parallel (0 uses the node default)")
	case "stop":
		id = fs.String("id", "current", "Run to stop; 'current' stops whichever run is active")
	case "runs":
		id = fs.String("id", "", "Show a single run")
		limit = fs.Int("limit", 20, "Maximum runs to list (0 for all)")
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := newAdminClient(*addr, *user, *password, *timeout)
	ctx := context.Background()

	if name == "runs" {
		if *id != "" {
			rec, err := client.Run(ctx, *id)
			if err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				return 1
			}
			return printRecords(stdout, []runlog.Record{rec}, *jsonOutput)
		}
		records, err := client.Runs(ctx, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return printRecords(stdout, records, *jsonOutput)
	}

	var resp server.ScavengeResponse
	var err error
	switch name {
	case "start":
		resp, err = client.Start(ctx, *startFrom, *threads)
	case "stop":
		resp, err = client.Stop(ctx, *id)
	case "status":
		resp, err = client.Status(ctx)
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
	} else {
		fmt.Fprintln(stdout, formatResponse(resp))
	}

	if resp.Result == "Started" || resp.Result == "Stopped" || (name == "status" && resp.Result == "InProgress") {
		return 0
	}
	return 1
}

func formatResponse(resp server.ScavengeResponse) string {
	id := "-"
	if resp.ScavengeID != nil {
		id = *resp.ScavengeID
	}
	line := fmt.Sprintf("%s (scavenge %s)", resp.Result, id)
	if resp.Reason != "" {
		line += ": " + resp.Reason
	}
	return line
}

func printRecords(w io.Writer, records []runlog.Record, asJSON bool) int {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(records)
		return 0
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNODE\tSTATUS\tSTARTED\tELAPSED\tCHUNKS\tSKIPPED\tSAVED")
	for _, r := range records {
		started := "-"
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.Node, r.Status, started,
			(time.Duration(r.ElapsedMs) * time.Millisecond).String(),
			r.ChunksScavenged, r.ChunksSkipped, r.SpaceSaved)
	}
	tw.Flush()
	return 0
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
