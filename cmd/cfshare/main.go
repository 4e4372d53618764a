package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/openclaw/cfshare/internal/audit"
	"github.com/openclaw/cfshare/internal/config"
	"github.com/openclaw/cfshare/internal/manager"
)

const version = "1.0.0"

// workerTool is the hidden re-exec entrypoint for detached exposures.
const workerTool = "__worker"

// handoffWait bounds how long the parent waits for the detached worker to
// report bring-up.
const handoffWait = 60 * time.Second

func main() {
	godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version":
		fmt.Printf("cfshare v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	case workerTool:
		os.Exit(runWorker())
	}

	tool := os.Args[1]
	flags, positional, err := parseFlags(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(tool, positional, flags))
}

func printUsage() {
	fmt.Println(`cfshare v` + version + ` — publish a local port or files through a quick tunnel

Usage: cfshare <tool> [flags]

Tools:
  env_check      Check agent binary, state dir, and policy
  expose_port    Publish a local TCP port
  expose_files   Publish files or directories
  list           List live sessions
  get            Inspect sessions (id, ids, or filter)
  stop           Stop sessions (id, ids, or "all")
  logs           Read session logs
  maintenance    run_gc | show_policy | update_policy
  audit_query    Query the audit log
  audit_export   Export audit events to a file
  version        Print version

Flags:
  --params <json>        Operation inputs as inline JSON
  --params-file <path>   Operation inputs from a JSON file
  --config <json>        Runtime config override (state_dir, agent_path, ...)
  --config-file <path>   Runtime config from a YAML file
  --workspace-dir <dir>  Resolve relative input paths against this directory
  --keep-alive           Background expose via a detached worker (default)
  --no-keep-alive        Keep the exposure in the foreground
  --compact              Compact JSON output

Environment:
  CFSHARE_STATE_DIR      State directory override
  CFSHARE_AGENT          Tunnel agent binary (default: cloudflared)
  CFSHARE_PLUGIN_MODE    Use the plugin state dir location

Examples:
  cfshare expose_port --params '{"port":3000,"opts":{"ttl_seconds":600}}'
  cfshare expose_files --params '{"paths":["./dist"],"opts":{"mode":"zip"}}'
  cfshare stop --params '{"id":"all"}'
  cfshare maintenance run_gc`)
}

type cliFlags struct {
	params       string
	paramsFile   string
	configJSON   string
	configFile   string
	workspaceDir string
	keepAlive    bool
	keepAliveSet bool
	compact      bool
}

func parseFlags(args []string) (cliFlags, []string, error) {
	var f cliFlags
	var positional []string
	need := func(i int, name string) error {
		if i >= len(args) {
			return fmt.Errorf("%s requires a value", name)
		}
		return nil
	}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--params":
			i++
			if err := need(i, "--params"); err != nil {
				return f, nil, err
			}
			f.params = args[i]
		case "--params-file":
			i++
			if err := need(i, "--params-file"); err != nil {
				return f, nil, err
			}
			f.paramsFile = args[i]
		case "--config":
			i++
			if err := need(i, "--config"); err != nil {
				return f, nil, err
			}
			f.configJSON = args[i]
		case "--config-file":
			i++
			if err := need(i, "--config-file"); err != nil {
				return f, nil, err
			}
			f.configFile = args[i]
		case "--workspace-dir":
			i++
			if err := need(i, "--workspace-dir"); err != nil {
				return f, nil, err
			}
			f.workspaceDir = args[i]
		case "--keep-alive":
			f.keepAlive = true
			f.keepAliveSet = true
		case "--no-keep-alive":
			f.keepAlive = false
			f.keepAliveSet = true
		case "--compact":
			f.compact = true
		default:
			if len(args[i]) > 2 && args[i][:2] == "--" {
				return f, nil, fmt.Errorf("unknown flag %s", args[i])
			}
			positional = append(positional, args[i])
		}
	}
	return f, positional, nil
}

func loadParams(f cliFlags) ([]byte, error) {
	if f.params != "" && f.paramsFile != "" {
		return nil, fmt.Errorf("--params and --params-file are mutually exclusive")
	}
	if f.paramsFile != "" {
		data, err := os.ReadFile(f.paramsFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read params file: %w", err)
		}
		return data, nil
	}
	if f.params != "" {
		return []byte(f.params), nil
	}
	return []byte("{}"), nil
}

func buildRuntime(f cliFlags) (config.Runtime, error) {
	cfg := config.Default()
	if f.configFile != "" {
		if err := cfg.LoadFile(f.configFile); err != nil {
			return cfg, err
		}
	}
	if f.configJSON != "" {
		if err := cfg.ApplyJSON(f.configJSON); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func decodeParams(raw []byte, into interface{}) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("params are not valid JSON for this tool: %w", err)
	}
	return nil
}

// emit writes the JSON result to stdout.
func emit(v interface{}, compact bool) {
	enc := json.NewEncoder(os.Stdout)
	if !compact {
		enc.SetIndent("", "  ")
	}
	enc.Encode(v)
}

func emitError(err error, compact bool) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	emit(map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    manager.KindOf(err),
			"message": err.Error(),
		},
	}, compact)
	return 1
}

func run(tool string, positional []string, f cliFlags) int {
	if f.workspaceDir != "" {
		if err := os.Chdir(f.workspaceDir); err != nil {
			return emitError(fmt.Errorf("cannot enter workspace dir: %w", err), f.compact)
		}
	}

	raw, err := loadParams(f)
	if err != nil {
		return emitError(err, f.compact)
	}

	switch tool {
	case "expose_port", "expose_files":
		keepAlive := true
		if f.keepAliveSet {
			keepAlive = f.keepAlive
		}
		if keepAlive {
			return spawnWorker(tool, raw, f)
		}
		return runForeground(tool, raw, f)
	}

	cfg, err := buildRuntime(f)
	if err != nil {
		return emitError(err, f.compact)
	}
	m, err := manager.New(cfg, manager.Options{})
	if err != nil {
		return emitError(err, f.compact)
	}
	defer m.Close()

	var result interface{}
	switch tool {
	case "env_check":
		result = m.EnvCheck()
	case "list":
		result = map[string]interface{}{"sessions": m.List()}
	case "get":
		var p manager.GetParams
		if err := decodeParams(raw, &p); err != nil {
			return emitError(err, f.compact)
		}
		res, err := m.Get(p)
		if err != nil {
			return emitError(err, f.compact)
		}
		result = res
	case "stop":
		var p manager.StopParams
		if err := decodeParams(raw, &p); err != nil {
			return emitError(err, f.compact)
		}
		result = stopWithOrphans(m, p)
	case "logs":
		var p manager.LogsParams
		if err := decodeParams(raw, &p); err != nil {
			return emitError(err, f.compact)
		}
		res, err := m.Logs(p)
		if err != nil {
			return emitError(err, f.compact)
		}
		result = res
	case "maintenance":
		var err error
		result, err = runMaintenance(m, positional, raw)
		if err != nil {
			return emitError(err, f.compact)
		}
	case "audit_query":
		var p audit.Filters
		if err := decodeParams(raw, &p); err != nil {
			return emitError(err, f.compact)
		}
		events, err := m.AuditQuery(p)
		if err != nil {
			return emitError(err, f.compact)
		}
		result = map[string]interface{}{"events": events}
	case "audit_export":
		var p struct {
			audit.Filters
			OutputPath string `json:"output_path"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return emitError(err, f.compact)
		}
		res, err := m.AuditExport(p.Filters, p.OutputPath)
		if err != nil {
			return emitError(err, f.compact)
		}
		result = res
	default:
		fmt.Fprintf(os.Stderr, "Unknown tool: %s\n", tool)
		printUsage()
		return 1
	}

	emit(result, f.compact)
	return 0
}

func runMaintenance(m *manager.Manager, positional []string, raw []byte) (interface{}, error) {
	action := ""
	if len(positional) > 0 {
		action = positional[0]
	} else {
		var p struct {
			Action string `json:"action"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		action = p.Action
	}

	switch action {
	case "run_gc":
		return m.RunGC()
	case "show_policy":
		return m.ShowPolicy()
	case "update_policy":
		var p struct {
			Patch map[string]interface{} `json:"patch"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return m.UpdatePolicy(p.Patch)
	default:
		return nil, fmt.Errorf("maintenance action must be run_gc, show_policy, or update_policy")
	}
}

// stopWithOrphans stops live sessions, then falls back to signaling the
// recorded agent PID for ids only the snapshot knows about. Detached worker
// processes observe the agent exit and retire their own session.
func stopWithOrphans(m *manager.Manager, p manager.StopParams) manager.StopResult {
	result := m.Stop(p)
	if len(result.Failed) == 0 {
		return result
	}

	snapshot, err := readSnapshotPIDs(m)
	if err != nil {
		return result
	}

	remaining := result.Failed[:0]
	for _, failure := range result.Failed {
		pid, ok := snapshot[failure.ID]
		if !ok || pid <= 0 {
			remaining = append(remaining, failure)
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			remaining = append(remaining, failure)
			continue
		}
		result.Stopped = append(result.Stopped, failure.ID)
	}
	result.Failed = remaining
	return result
}

func readSnapshotPIDs(m *manager.Manager) (map[string]int, error) {
	data, err := os.ReadFile(filepath.Join(m.StateDir(), audit.SnapshotFile))
	if err != nil {
		return nil, err
	}
	var entries []audit.SnapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		out[e.ID] = e.ProcessPID
	}
	return out, nil
}

// ----------------------------------------------------------------
// keep-alive worker
// ----------------------------------------------------------------

// spawnWorker re-execs this binary detached, then waits for the worker to
// report bring-up through a handoff file.
func spawnWorker(tool string, raw []byte, f cliFlags) int {
	cfg, err := buildRuntime(f)
	if err != nil {
		return emitError(err, f.compact)
	}
	stateDir, err := cfg.EffectiveStateDir()
	if err != nil {
		return emitError(err, f.compact)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return emitError(err, f.compact)
	}
	handoff := filepath.Join(stateDir, "handoff-"+uuid.NewString()+".json")

	exe, err := os.Executable()
	if err != nil {
		return emitError(err, f.compact)
	}
	args := []string{workerTool, tool, handoff, "--params", string(raw)}
	if f.configJSON != "" {
		args = append(args, "--config", f.configJSON)
	}
	if f.configFile != "" {
		args = append(args, "--config-file", f.configFile)
	}
	if f.workspaceDir != "" {
		args = append(args, "--workspace-dir", f.workspaceDir)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return emitError(fmt.Errorf("cannot start worker: %w", err), f.compact)
	}
	// The worker outlives us; releasing avoids holding the process handle.
	cmd.Process.Release()

	deadline := time.Now().Add(handoffWait)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(handoff)
		if err == nil && len(data) > 0 {
			os.Remove(handoff)
			var result map[string]interface{}
			if err := json.Unmarshal(data, &result); err != nil {
				return emitError(fmt.Errorf("worker handoff unreadable: %w", err), f.compact)
			}
			emit(result, f.compact)
			if _, failed := result["error"]; failed {
				return 1
			}
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}
	return emitError(fmt.Errorf("timed out waiting for worker bring-up"), f.compact)
}

// runWorker is the detached half of keep-alive: bring the exposure up,
// report through the handoff file, then hold the session until it retires.
func runWorker() int {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "worker: missing tool or handoff path")
		return 1
	}
	tool := os.Args[2]
	handoff := os.Args[3]
	flags, _, err := parseFlags(os.Args[4:])
	if err != nil {
		writeHandoff(handoff, workerError(err))
		return 1
	}
	if flags.workspaceDir != "" {
		if err := os.Chdir(flags.workspaceDir); err != nil {
			writeHandoff(handoff, workerError(err))
			return 1
		}
	}

	raw, err := loadParams(flags)
	if err != nil {
		writeHandoff(handoff, workerError(err))
		return 1
	}
	cfg, err := buildRuntime(flags)
	if err != nil {
		writeHandoff(handoff, workerError(err))
		return 1
	}
	m, err := manager.New(cfg, manager.Options{})
	if err != nil {
		writeHandoff(handoff, workerError(err))
		return 1
	}
	defer m.Close()

	result, err := dispatchExpose(m, tool, raw)
	if err != nil {
		writeHandoff(handoff, workerError(err))
		return 1
	}
	writeHandoff(handoff, result)
	holdUntilRetired(m)
	return 0
}

func runForeground(tool string, raw []byte, f cliFlags) int {
	cfg, err := buildRuntime(f)
	if err != nil {
		return emitError(err, f.compact)
	}
	m, err := manager.New(cfg, manager.Options{})
	if err != nil {
		return emitError(err, f.compact)
	}
	defer m.Close()

	result, err := dispatchExpose(m, tool, raw)
	if err != nil {
		return emitError(err, f.compact)
	}
	emit(result, f.compact)
	fmt.Fprintln(os.Stderr, "Exposure is live; press Ctrl-C to stop.")
	holdUntilRetired(m)
	return 0
}

func dispatchExpose(m *manager.Manager, tool string, raw []byte) (map[string]interface{}, error) {
	ctx := context.Background()
	switch tool {
	case "expose_port":
		var p manager.ExposePortParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return m.ExposePort(ctx, p)
	case "expose_files":
		var p manager.ExposeFilesParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return m.ExposeFiles(ctx, p)
	default:
		return nil, fmt.Errorf("tool %s cannot run as an exposure", tool)
	}
}

// holdUntilRetired blocks until every session retires (TTL, quota, agent
// exit) or a termination signal arrives.
func holdUntilRetired(m *manager.Manager) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			return
		case <-ticker.C:
			if m.ActiveSessions() == 0 {
				return
			}
		}
	}
}

func workerError(err error) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    manager.KindOf(err),
			"message": err.Error(),
		},
	}
}

// writeHandoff publishes the bring-up result atomically so the parent never
// reads a partial file.
func writeHandoff(path string, v map[string]interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	os.Rename(tmp, path)
}
