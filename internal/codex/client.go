// client.go — codex app-server JSON-RPC 传输层 (stdio)。
//
// codex app-server 使用 JSON-RPC 2.0, 按行分隔的 JSON 经 stdin/stdout 传输:
//   - Client → Server: {jsonrpc,id,method,params} (请求) 或 {jsonrpc,method,params} (通知)
//   - Server → Client: {jsonrpc,id,result} (响应)、{jsonrpc,id,method,params} (server request)
//     或 {jsonrpc,method,params} (通知)
//
// 进程生命周期:
//   - 首次 Call 惰性启动子进程并完成 initialize/initialized 握手
//   - 子进程退出时所有挂起调用立即失败 (ErrDisconnected)
//   - 下一次 Call 重新拉起进程并重放握手
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
	"github.com/multi-agent/codex-relay/pkg/util"
)

// 单行 JSON 消息上限。引擎侧单条消息不应超过此值。
const maxLineBytes = 8 << 20

// Options 客户端配置。
type Options struct {
	Command          string        // 引擎命令, 默认 "codex"
	Home             string        // CODEX_HOME, 空则继承环境
	ClientName       string        // initialize clientInfo.name
	ClientVersion    string        // initialize clientInfo.version
	RPCTimeout       time.Duration // 普通方法超时
	TurnTimeout      time.Duration // turn/start 超时
	HandshakeTimeout time.Duration // initialize 超时
	RespawnBackoff   time.Duration // 进程退出后的最小重启间隔
	StderrLimit      int           // stderr 捕获字节上限
}

// Client codex app-server stdio JSON-RPC 客户端。
type Client struct {
	command       string
	home          string
	clientName    string
	clientVersion string

	rpcTimeout       time.Duration
	turnTimeout      time.Duration
	handshakeTimeout time.Duration
	respawnBackoff   time.Duration
	stderrLimit      int

	// ========================================
	// 锁职责说明
	// ========================================
	// procMu:  保护 cmd/exited/generation (进程启动、退出清理串行化)
	// writeMu: 保护 stdin 指针并串行化 stdin 写入
	// handlerMu: 保护 handler
	// 嵌套顺序固定为 procMu → writeMu (spawn/teardown 更新 stdin 时),
	// 反向不允许: writeLine 只取 writeMu, 握手在持有 procMu 时
	// 经 writeLine 写入也不会自锁。
	// ========================================

	procMu     sync.Mutex
	cmd        *exec.Cmd
	exited     chan struct{} // waitExit 在进程退出后关闭
	lastExitAt time.Time     // 上次进程退出时刻, 用于重启退避
	generation atomic.Int64  // 每次 spawn 递增, 用于退出清理时识别自身

	writeMu sync.Mutex
	stdin   io.WriteCloser

	handler   NotificationHandler
	handlerMu sync.RWMutex

	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	stderrCollector *logger.StderrCollector

	// JSON-RPC request tracking
	nextID  atomic.Int64
	pending sync.Map // id → *pendingCall
}

// NewClient 创建客户端。子进程在首次 Call 时惰性启动。
func NewClient(opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		command:          strings.TrimSpace(opts.Command),
		home:             strings.TrimSpace(opts.Home),
		clientName:       util.FirstNonEmpty(opts.ClientName, "codex-relay"),
		clientVersion:    util.FirstNonEmpty(opts.ClientVersion, "1.0"),
		rpcTimeout:       opts.RPCTimeout,
		turnTimeout:      opts.TurnTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		respawnBackoff:   opts.RespawnBackoff,
		stderrLimit:      opts.StderrLimit,
		ctx:              ctx,
		cancel:           cancel,
	}
	if c.command == "" {
		c.command = "codex"
	}
	if c.rpcTimeout <= 0 {
		c.rpcTimeout = 30 * time.Second
	}
	if c.turnTimeout <= 0 {
		c.turnTimeout = 10 * time.Minute
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = 15 * time.Second
	}
	if c.respawnBackoff <= 0 {
		c.respawnBackoff = 500 * time.Millisecond
	}
	if c.stderrLimit <= 0 {
		c.stderrLimit = 256 << 10
	}
	return c
}

// SetNotificationHandler 注册通知回调。
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// ========================================
// 进程管理
// ========================================

// ensureStarted 确保子进程存活且已完成握手。进程不在则拉起并重放握手。
func (c *Client) ensureStarted(ctx context.Context) error {
	if c.stopped.Load() {
		return apperrors.WrapCode(apperrors.ErrDisconnected, "Client.ensureStarted", apperrors.CodeTransportDisconnected, "client shut down")
	}

	c.procMu.Lock()
	defer c.procMu.Unlock()
	if c.cmd != nil {
		return nil
	}
	return c.spawnLocked(ctx)
}

// spawnLocked 启动子进程并完成握手。调用方必须持有 procMu。
func (c *Client) spawnLocked(ctx context.Context) error {
	// 上次退出后的冷却期: 崩溃循环时避免连环拉起
	if !c.lastExitAt.IsZero() {
		if wait := c.respawnBackoff - time.Since(c.lastExitAt); wait > 0 {
			logger.Info("app-server: respawn backoff", logger.FieldDurationMS, wait.Milliseconds())
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return apperrors.Wrap(ctx.Err(), "Client.spawn", "respawn backoff interrupted")
			}
		}
	}

	// 注意: 使用 exec.Command 而非 exec.CommandContext —
	// 子进程不应随单次请求的 ctx 取消而被终止。
	// 生命周期由 Client.Shutdown() 显式管理。
	cmd := exec.Command(c.command, "app-server")
	cmd.Env = os.Environ()
	if c.home != "" {
		cmd.Env = append(cmd.Env, "CODEX_HOME="+c.home)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Wrap(err, "Client.spawn", "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(err, "Client.spawn", "stdout pipe")
	}
	c.stderrCollector = logger.NewStderrCollector("codex-appserver")
	cmd.Stderr = util.NewLimitedWriter(c.stderrCollector, c.stderrLimit)

	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(err, "Client.spawn", "spawn app-server")
	}

	gen := c.generation.Add(1)
	exited := make(chan struct{})
	c.cmd = cmd
	c.exited = exited
	c.writeMu.Lock()
	c.stdin = stdin
	c.writeMu.Unlock()

	logger.Info("app-server: spawned",
		logger.FieldPID, cmd.Process.Pid,
		"generation", gen,
	)

	util.SafeGo(func() { c.readLoop(gen, stdout) })
	util.SafeGo(func() { c.waitExit(gen, cmd, exited) })

	if err := c.handshake(ctx); err != nil {
		c.teardownLocked(gen, cmd)
		return err
	}
	return nil
}

// handshake 发送 initialize 请求, 成功后发 initialized 通知。
func (c *Client) handshake(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{
			"name":    c.clientName,
			"version": c.clientVersion,
		},
	}, c.handshakeTimeout)
	if err != nil {
		logger.Error("app-server: initialize failed", logger.FieldError, err)
		return apperrors.Wrap(err, "Client.handshake", "initialize")
	}
	if err := c.notifyRaw("initialized", nil); err != nil {
		return apperrors.Wrap(err, "Client.handshake", "initialized notify")
	}
	logger.Info("app-server: handshake complete", "server_info", truncateBytes(result, 200))
	return nil
}

// waitExit 等待子进程退出, 清理状态并使所有挂起调用失败。
func (c *Client) waitExit(gen int64, cmd *exec.Cmd, exited chan struct{}) {
	defer close(exited)
	err := cmd.Wait()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if c.stopped.Load() {
		logger.Info("app-server: exited during shutdown", logger.FieldExitCode, exitCode)
	} else {
		logger.Warn("app-server: process exited",
			logger.FieldExitCode, exitCode,
			"generation", gen,
			logger.FieldError, err,
		)
	}

	c.procMu.Lock()
	c.teardownLocked(gen, cmd)
	c.procMu.Unlock()
}

// teardownLocked 清除进程引用并使挂起调用失败。调用方必须持有 procMu。
// generation 校验避免旧进程的退出清理误伤新进程。
func (c *Client) teardownLocked(gen int64, cmd *exec.Cmd) {
	if c.cmd != cmd || c.generation.Load() != gen {
		return
	}
	c.cmd = nil
	c.lastExitAt = time.Now()
	c.writeMu.Lock()
	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}
	c.writeMu.Unlock()
	c.failAllPending()
}

// failAllPending 使所有挂起的 RPC 调用立即以断连错误返回。
func (c *Client) failAllPending() {
	disconnected := apperrors.WrapCode(apperrors.ErrDisconnected, "Client.failAllPending", apperrors.CodeTransportDisconnected, "engine process exited")
	count := 0
	c.pending.Range(func(key, value any) bool {
		if v, ok := c.pending.LoadAndDelete(key); ok {
			pc := v.(*pendingCall)
			pc.err = disconnected
			close(pc.done)
			count++
		}
		return true
	})
	if count > 0 {
		logger.Warn("app-server: failed pending calls on exit", logger.FieldCount, count)
	}
}

// ========================================
// readLoop — 按行读取 JSON-RPC 消息
// ========================================

// readLoop 持续读取 stdout 上的按行 JSON-RPC 消息。
//
// 消息类型:
//   - Response (id != nil, 无 method): 交给 pending call
//   - Server Request (id != nil, 有 method): 转发 handler, 要求回复
//   - Notification (id == nil): 转发 handler
func (c *Client) readLoop(gen int64, stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64<<10)
	for {
		line, err := readLine(reader)
		if err != nil {
			if !c.stopped.Load() && !errors.Is(err, io.EOF) {
				logger.Warn("app-server: read loop terminated",
					"generation", gen,
					logger.FieldError, err,
				)
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		var msg jsonRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn("app-server: unparseable JSON-RPC line",
				logger.FieldError, err,
				logger.FieldDataLen, len(line),
				"raw_prefix", truncateBytes(line, 200),
			)
			continue
		}

		if c.handleRPCResponse(msg) {
			continue
		}
		c.dispatchNotification(msg)
	}
}

// readLine 读取一行, 容忍超过缓冲区的长行, 超过 maxLineBytes 则报错。
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadBytes('\n')
		line = append(line, chunk...)
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}
			return nil, err
		}
		if len(line) > 0 && line[len(line)-1] == '\n' {
			return line[:len(line)-1], nil
		}
		if len(line) > maxLineBytes {
			return nil, apperrors.Newf("readLine", "line exceeds %d bytes", maxLineBytes)
		}
	}
}

func (c *Client) handleRPCResponse(msg jsonRPCMessage) bool {
	if msg.ID == nil || msg.Method != "" {
		return false
	}
	value, ok := c.pending.LoadAndDelete(*msg.ID)
	if !ok {
		logger.Warn("app-server: orphan RPC response (no pending call)",
			logger.FieldID, *msg.ID,
			"result_len", len(msg.Result),
		)
		return true
	}
	pc := value.(*pendingCall)
	if msg.Error != nil {
		pc.err = apperrors.NewCode("Client.readLoop", apperrors.CodeRemoteRejected,
			"rpc error: "+msg.Error.Message)
		logger.Warn("app-server: RPC error response",
			logger.FieldID, *msg.ID,
			"code", msg.Error.Code,
			"message", msg.Error.Message,
		)
	} else {
		pc.result = msg.Result
	}
	close(pc.done)
	return true
}

func (c *Client) dispatchNotification(msg jsonRPCMessage) {
	if msg.Method == "" {
		logger.Warn("app-server: message with neither method nor pending id",
			"has_id", msg.ID != nil,
			logger.FieldParamsLen, len(msg.Params),
		)
		return
	}
	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	n := Notification{Method: msg.Method, Params: msg.Params}
	if msg.ID != nil {
		n.RequestID = msg.ID
		logger.Debug("app-server: server request received",
			logger.FieldID, *msg.ID,
			logger.FieldMethod, msg.Method,
		)
	}
	handler(n)
}

// ========================================
// JSON-RPC 请求/响应
// ========================================

// Call 发送 JSON-RPC 请求并等待响应。进程不在时先惰性拉起。
// 超时由 methodTimeout 按方法决定。
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, method, params, c.methodTimeout(method))
}

// CallWithTimeout 同 Call, 但使用显式超时。
func (c *Client) CallWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return c.call(ctx, method, params, timeout)
}

// call 发送请求并等待响应。不负责进程拉起 (握手路径直接使用)。
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	if err := c.writeLine(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-timer.C:
		return nil, apperrors.NewCodef("Client.call", apperrors.CodeTransportTimeout, "%s timeout after %s", method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// Notify 发送 JSON-RPC 通知 (无需响应)。进程不在时先惰性拉起。
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.ensureStarted(ctx); err != nil {
		return err
	}
	return c.notifyRaw(method, params)
}

func (c *Client) notifyRaw(method string, params any) error {
	return c.writeLine(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// Respond 回复引擎发来的 server request。
func (c *Client) Respond(id int64, result any) error {
	return c.writeLine(jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// RespondError 向引擎发送 JSON-RPC 错误响应。
//
// 引擎发带 id 的 server request (如 approval) 时必须收到 response;
// 处理失败用此方法回 error response, 避免引擎侧 turn 永久挂起。
func (c *Client) RespondError(id int64, code int, message string) error {
	resp := struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      int64         `json:"id"`
		Error   *jsonRPCError `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonRPCError{Code: code, Message: message},
	}
	return c.writeLine(resp)
}

// writeLine 线程安全写入一行 JSON 到 stdin。
func (c *Client) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(err, "Client.writeLine", "marshal")
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return apperrors.WrapCode(apperrors.ErrDisconnected, "Client.writeLine", apperrors.CodeTransportDisconnected, "engine not running")
	}
	if _, err := c.stdin.Write(data); err != nil {
		return apperrors.WrapCode(err, "Client.writeLine", apperrors.CodeTransportDisconnected, "stdin write")
	}
	return nil
}

// ========================================
// 生命周期
// ========================================

// Running 返回子进程是否存活。
func (c *Client) Running() bool {
	if c.stopped.Load() {
		return false
	}
	c.procMu.Lock()
	defer c.procMu.Unlock()
	return c.cmd != nil
}

// Shutdown 优雅关闭: 关 stdin 让引擎自然退出, 超时则强杀。
func (c *Client) Shutdown() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.cancel()

	c.procMu.Lock()
	cmd := c.cmd
	exited := c.exited
	c.writeMu.Lock()
	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}
	c.writeMu.Unlock()
	c.procMu.Unlock()

	if c.stderrCollector != nil {
		_ = c.stderrCollector.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// stdin 关闭后引擎应自然退出, 超时则强杀
	select {
	case <-exited:
		return nil
	case <-time.After(3 * time.Second):
	}

	killErr := cmd.Process.Kill()
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return killErr
	}
	return nil
}

// truncateBytes 截断 []byte 用于日志展示, 避免超长。
func truncateBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
