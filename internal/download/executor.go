package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/imagingdatacommons/idc-client-go/internal/log"
	"github.com/imagingdatacommons/idc-client-go/internal/manifest"
)

// ToolUnavailableError reports a missing or non-executable bulk-copy tool.
type ToolUnavailableError struct {
	Path string
	Err  error
}

func (e *ToolUnavailableError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("bulk-copy tool s5cmd not found in PATH: %v", e.Err)
	}
	return fmt.Sprintf("bulk-copy tool %s is not executable: %v", e.Path, e.Err)
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// Outcome classifies what happened to one manifest entry.
type Outcome string

const (
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeFailed        Outcome = "failed"
	OutcomeSkippedExists Outcome = "skipped-exists"
)

// ObjectResult is the per-entry report of a run.
type ObjectResult struct {
	RemoteURL string
	DestPath  string
	Outcome   Outcome
	Reason    string
}

// Result aggregates a whole run. Partial success is an expected outcome;
// residual failures live here, they are never raised as an error.
type Result struct {
	RequestedCount int
	SucceededCount int
	FailedCount    int
	SkippedCount   int
	FailedPaths    []string
	Objects        []ObjectResult
}

// Options tune one run of the bulk-copy tool.
type Options struct {
	EndpointURL string
	Concurrency int           // tool worker pool; defaults to NumCPU
	MaxRetries  int           // extra attempts over the failed subset; 0 means the default of 2, negative disables retries
	Timeout     time.Duration // whole-process deadline; 0 means none
	Quiet       bool
}

const defaultMaxRetries = 2

// Executor drives the external bulk-copy tool against a manifest. The tool
// is invoked once per manifest (and once per retry subset), never once per
// object; parallelism lives inside the tool.
type Executor struct {
	toolPath string
}

// NewExecutor locates and verifies the bulk-copy tool. An empty path means
// look up s5cmd in PATH. Verification happens here so a missing tool fails
// fast, before any manifest is written or any network touched.
func NewExecutor(toolPath string) (*Executor, error) {
	if toolPath == "" {
		p, err := exec.LookPath("s5cmd")
		if err != nil {
			return nil, &ToolUnavailableError{Err: err}
		}
		toolPath = p
	}
	if err := exec.Command(toolPath, "version").Run(); err != nil {
		return nil, &ToolUnavailableError{Path: toolPath, Err: err}
	}
	log.Logger.Debugf("Using bulk-copy tool: %s", toolPath)
	return &Executor{toolPath: toolPath}, nil
}

// ToolPath returns the resolved bulk-copy tool path.
func (ex *Executor) ToolPath() string { return ex.toolPath }

// Run realizes a manifest under destRoot. Entries whose private destination
// directory already holds the expected bytes are skipped; entries sharing a
// directory are never skipped. The rest go to the tool, with the failed
// subset retried up to opts.MaxRetries times. The returned Result is always
// usable; an error means the run could not be orchestrated at all.
func (ex *Executor) Run(ctx context.Context, m *manifest.Manifest, destRoot string, opts Options) (*Result, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	result := &Result{RequestedCount: len(m.Entries)}
	outcomes := make(map[string]*ObjectResult, len(m.Entries))
	var pending []manifest.Entry

	destUsers := make(map[string]int, len(m.Entries))
	for _, e := range m.Entries {
		if e.DestPath == "" {
			e.DestPath = destRoot
		}
		destUsers[e.DestPath]++
	}

	for _, e := range m.Entries {
		if e.DestPath == "" {
			e.DestPath = destRoot
		}
		obj := &ObjectResult{RemoteURL: e.RemoteURL, DestPath: e.DestPath}
		outcomes[e.RemoteURL] = obj
		if exclusiveDest(e, destRoot, destUsers) && destHasExpectedSize(e.DestPath, e.SizeBytes) {
			obj.Outcome = OutcomeSkippedExists
			continue
		}
		pending = append(pending, e)
	}

	if len(pending) > 0 {
		log.Logger.Infof("Downloading %d object(s), approximately %s",
			len(pending), humanize.Bytes(uint64(m.TotalBytes)))
	}

	for attempt := 0; len(pending) > 0; attempt++ {
		failed, err := ex.runOnce(ctx, pending, opts)
		if err != nil {
			return nil, err
		}

		var next []manifest.Entry
		for _, e := range pending {
			if reason, ok := failed[e.RemoteURL]; ok {
				outcomes[e.RemoteURL].Outcome = OutcomeFailed
				outcomes[e.RemoteURL].Reason = reason
				next = append(next, e)
			} else {
				outcomes[e.RemoteURL].Outcome = OutcomeSucceeded
				outcomes[e.RemoteURL].Reason = ""
			}
		}
		pending = next

		if ctx.Err() != nil {
			for _, e := range pending {
				outcomes[e.RemoteURL].Outcome = OutcomeFailed
				outcomes[e.RemoteURL].Reason = "timeout"
			}
			break
		}
		if attempt >= opts.MaxRetries {
			break
		}
		if len(pending) > 0 {
			log.Logger.Warnf("Retrying %d failed object(s), attempt %d of %d",
				len(pending), attempt+2, opts.MaxRetries+1)
		}
	}

	for _, e := range m.Entries {
		obj := outcomes[e.RemoteURL]
		result.Objects = append(result.Objects, *obj)
		switch obj.Outcome {
		case OutcomeSucceeded:
			result.SucceededCount++
		case OutcomeSkippedExists:
			result.SkippedCount++
		default:
			result.FailedCount++
			result.FailedPaths = append(result.FailedPaths, obj.RemoteURL)
		}
	}

	log.Logger.Infof("Download finished: %d succeeded, %d skipped, %d failed",
		result.SucceededCount, result.SkippedCount, result.FailedCount)
	return result, nil
}

// runOnce writes the pending entries to a temporary manifest, invokes the
// tool once, and maps its per-line error reports back to entries.
func (ex *Executor) runOnce(ctx context.Context, entries []manifest.Entry, opts Options) (map[string]string, error) {
	sub := &manifest.Manifest{Entries: entries}
	manifestPath, err := manifest.WriteFile(sub, "")
	if err != nil {
		return nil, err
	}
	defer os.Remove(manifestPath)

	for _, e := range entries {
		if err := os.MkdirAll(e.DestPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create destination directory %s: %w", e.DestPath, err)
		}
	}

	args := []string{"--no-sign-request", "--numworkers", strconv.Itoa(opts.Concurrency)}
	if opts.EndpointURL != "" {
		args = append(args, "--endpoint-url", opts.EndpointURL)
	}
	args = append(args, "run", manifestPath)

	cmd := exec.CommandContext(ctx, ex.toolPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if !opts.Quiet {
		cmd.Stdout = os.Stdout
	}

	log.Logger.Debugf("Invoking %s %v", ex.toolPath, args)
	runErr := cmd.Run()

	failed := parseToolErrors(stderr.String(), entries)

	if runErr != nil {
		if ctx.Err() != nil {
			// Deadline hit: whatever was not reported failed is unknown,
			// treat the whole pending set as failed with reason timeout.
			for _, e := range entries {
				if _, ok := failed[e.RemoteURL]; !ok {
					failed[e.RemoteURL] = "timeout"
				}
			}
			return failed, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to invoke bulk-copy tool: %w", runErr)
		}
		// Non-zero exit with no parseable per-line report: fail every
		// entry of this invocation rather than guessing.
		if len(failed) == 0 {
			for _, e := range entries {
				failed[e.RemoteURL] = fmt.Sprintf("tool exited with %s", exitErr)
			}
		}
	}
	return failed, nil
}

// parseToolErrors extracts per-line failures from the tool's stderr. s5cmd
// prints one `ERROR "cp <url> <dest>": reason` line per failed command.
func parseToolErrors(stderr string, entries []manifest.Entry) map[string]string {
	failed := make(map[string]string)
	for _, line := range strings.Split(stderr, "\n") {
		text := strings.TrimSpace(line)
		if !strings.HasPrefix(text, "ERROR") {
			continue
		}
		for _, e := range entries {
			if _, ok := failed[e.RemoteURL]; ok {
				continue
			}
			if e.RemoteURL != "" && strings.Contains(text, e.RemoteURL) {
				failed[e.RemoteURL] = text
			}
		}
	}
	return failed
}

// exclusiveDest reports whether an entry's destination directory belongs to
// that entry alone: not the shared root and not used by another entry. Only
// then can the directory's byte count stand in for the entry being present;
// a flat layout mixes every series into one directory, where bytes from one
// series must never satisfy the check for another.
func exclusiveDest(e manifest.Entry, destRoot string, destUsers map[string]int) bool {
	return e.DestPath != destRoot && destUsers[e.DestPath] == 1
}

// destHasExpectedSize reports whether the destination directory already
// holds at least the expected bytes for a series. Sizes are series-level,
// so this is a heuristic for idempotent re-runs, not a correctness check.
func destHasExpectedSize(destPath string, expected int64) bool {
	if expected <= 0 {
		return false
	}
	info, err := os.Stat(destPath)
	if err != nil || !info.IsDir() {
		return false
	}
	var total int64
	items, err := os.ReadDir(destPath)
	if err != nil {
		return false
	}
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		fi, err := os.Stat(filepath.Join(destPath, item.Name()))
		if err != nil {
			continue
		}
		total += fi.Size()
	}
	return total >= expected
}
