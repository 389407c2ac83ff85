package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultLoadTimeout = 2 * time.Minute
	healthPollInterval = 250 * time.Millisecond
	stopGracePeriod    = 5 * time.Second
)

// LlamaCppProvider runs a local llama.cpp server holding the model weights and
// completes prompts through its OpenAI-compatible endpoint.
type LlamaCppProvider struct {
	*OpenAIProvider
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
	log    *slog.Logger
}

// StartLlamaCpp loads cfg.ModelPath into a llama.cpp server child process and waits
// until it reports healthy. Failures wrap ErrModelLoad.
func StartLlamaCpp(ctx context.Context, cfg Config, log *slog.Logger) (*LlamaCppProvider, error) {
	modelPath := cfg.ModelPath
	if modelPath == "" {
		modelPath = DefaultModelPath
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model file: %v", ErrModelLoad, err)
	}

	bin := cfg.ServerBin
	if bin == "" {
		bin = DefaultServerBin
	}
	ctxSize := cfg.ContextSize
	if ctxSize <= 0 {
		ctxSize = DefaultContextSize
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = DefaultThreads
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: pick port: %v", ErrModelLoad, err)
	}

	cmd := exec.Command(bin,
		"-m", modelPath,
		"-c", strconv.Itoa(ctxSize),
		"-t", strconv.Itoa(threads),
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrModelLoad, bin, err)
	}
	log.Debug("llama.cpp server started", "pid", cmd.Process.Pid, "port", port, "model", modelPath)

	p := &LlamaCppProvider{
		cmd:    cmd,
		exited: make(chan struct{}),
		log:    log,
	}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()

	baseURL := "http://127.0.0.1:" + strconv.Itoa(port)
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	if err := p.waitHealthy(ctx, baseURL+"/health", loadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	model := cfg.Model
	if model == "" {
		model = strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	}
	p.OpenAIProvider = NewOpenAIProvider(Config{
		BaseURL: baseURL + "/v1",
		APIKey:  "local",
		Model:   model,
		Timeout: cfg.Timeout,
	})
	return p, nil
}

// Name returns the provider name.
func (p *LlamaCppProvider) Name() string {
	return ProviderLlamaCpp
}

// Close stops the server process. It is safe to call more than once.
func (p *LlamaCppProvider) Close() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.exited:
	case <-time.After(stopGracePeriod):
		p.log.Warn("llama.cpp server did not stop, killing it", "pid", p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill llama.cpp server: %w", err)
		}
		<-p.exited
	}
	return nil
}

func (p *LlamaCppProvider) waitHealthy(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-p.exited:
			return fmt.Errorf("server exited before loading the model: %v", p.err)
		case <-ctx.Done():
			return fmt.Errorf("server not ready after %s: %w", timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
