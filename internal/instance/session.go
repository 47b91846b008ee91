package instance

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/pkg/assistant"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// session is the manager-side state of one live instance.
type session struct {
	id            string
	workflowID    string
	userID        string
	workspacePath string
	profileMode   bool

	mgr    *Manager
	handle ProcessHandle
	bcast  *broadcaster
	ready  *readyDetector

	cancel context.CancelFunc
	done   chan struct{}
	exited chan struct{}

	writeMu sync.Mutex

	stateMu       sync.Mutex
	status        v1.InstanceStatus
	stopRequested bool
	runningSince  time.Time
	wallTime      time.Duration

	metricsMu sync.Mutex
	metrics   v1.InstanceMetrics

	// lastOutput is consulted by interrupt quiesce checks.
	outputMu   sync.Mutex
	lastOutput time.Time

	// pending accumulates text chunks between coalescing flushes.
	pendingMu    sync.Mutex
	pending      strings.Builder
	pendingSince time.Time

	rawMu sync.Mutex
	raw   []byte
}

// Status returns the current lifecycle state.
func (s *session) Status() v1.InstanceStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

// Metrics returns a snapshot including accumulated wall time.
func (s *session) Metrics() v1.InstanceMetrics {
	s.metricsMu.Lock()
	m := s.metrics
	if m.ToolCounts != nil {
		counts := make(map[string]int64, len(m.ToolCounts))
		for k, v := range m.ToolCounts {
			counts[k] = v
		}
		m.ToolCounts = counts
	}
	s.metricsMu.Unlock()

	s.stateMu.Lock()
	wall := s.wallTime
	if s.status == v1.InstanceStatusRunning && !s.runningSince.IsZero() {
		wall += time.Since(s.runningSince)
	}
	s.stateMu.Unlock()
	m.WallTimeMS = wall.Milliseconds()
	return m
}

// transition moves the session to a new status, maintains wall-time
// accounting, persists the change, flushes metrics, and notifies
// subscribers. Terminal states win over later transitions.
func (s *session) transition(status v1.InstanceStatus, errMsg string) {
	s.stateMu.Lock()
	prev := s.status
	if prev == v1.InstanceStatusStopped || prev == v1.InstanceStatusFailed {
		s.stateMu.Unlock()
		return
	}
	if prev == status {
		s.stateMu.Unlock()
		return
	}
	if prev == v1.InstanceStatusRunning && !s.runningSince.IsZero() {
		s.wallTime += time.Since(s.runningSince)
		s.runningSince = time.Time{}
	}
	if status == v1.InstanceStatusRunning {
		s.runningSince = time.Now()
	}
	s.status = status
	s.stateMu.Unlock()

	s.mgr.logger.Info("instance transition",
		zap.String("instance_id", s.id),
		zap.String("workflow_id", s.workflowID),
		zap.String("from", string(prev)),
		zap.String("to", string(status)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mgr.instances.UpdateStatus(ctx, s.id, status, errMsg); err != nil {
		s.mgr.logger.Warn("persist status failed",
			zap.String("instance_id", s.id), zap.Error(err))
	}
	s.flushMetrics(ctx)

	s.bcast.publish(v1.InstanceEvent{
		Type:    v1.InstanceEventStatus,
		Content: string(status),
	})
}

func (s *session) flushMetrics(ctx context.Context) {
	if err := s.mgr.instances.UpdateMetrics(ctx, s.id, s.Metrics()); err != nil {
		s.mgr.logger.Warn("persist metrics failed",
			zap.String("instance_id", s.id), zap.Error(err))
	}
}

// readLoop is the single PTY reader: it retains raw output, feeds the
// screen emulator, parses events, and reacts to subprocess exit.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.exited)

	parser := &assistant.Parser{}
	buf := make([]byte, 4096)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.noteOutput()
			s.retainRaw(chunk)
			if s.profileMode {
				s.ready.feed(chunk)
			}
			for _, ev := range parser.Feed(chunk) {
				s.handleEvent(ev)
			}
		}
		if err != nil {
			if ev, ok := parser.Flush(); ok {
				s.handleEvent(ev)
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.flushText()

	s.stateMu.Lock()
	stopRequested := s.stopRequested
	s.stateMu.Unlock()

	if stopRequested {
		s.transition(v1.InstanceStatusStopped, "")
	} else {
		s.transition(v1.InstanceStatusFailed, "subprocess exited unexpectedly")
	}
	s.bcast.close()
}

func (s *session) noteOutput() {
	s.outputMu.Lock()
	s.lastOutput = time.Now()
	s.outputMu.Unlock()
}

func (s *session) sinceLastOutput() time.Duration {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()
	if s.lastOutput.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(s.lastOutput)
}

// retainRaw keeps a bounded tail of raw PTY output.
func (s *session) retainRaw(chunk []byte) {
	limit := s.mgr.cfg.BufferMaxBytes
	if limit <= 0 {
		limit = 256 * 1024
	}
	s.rawMu.Lock()
	s.raw = append(s.raw, chunk...)
	if len(s.raw) > limit {
		s.raw = s.raw[len(s.raw)-limit:]
	}
	s.rawMu.Unlock()
}

// RawTail returns the retained raw output.
func (s *session) RawTail() []byte {
	s.rawMu.Lock()
	defer s.rawMu.Unlock()
	return append([]byte{}, s.raw...)
}

// handleEvent routes one parsed CLI event: logs it, updates metrics, and
// publishes to subscribers. Non-text events flush pending text first so
// subscriber ordering matches arrival ordering.
func (s *session) handleEvent(ev assistant.Event) {
	if !s.profileMode {
		// JSON mode: the first structured event of any kind means the CLI
		// is up.
		s.markReadyIfStarting()
	}

	switch ev.Kind {
	case assistant.KindText:
		s.bufferText(ev.Text)
		return
	case assistant.KindToolCall:
		s.flushText()
		s.recordToolCall(ev)
	case assistant.KindToolResult:
		s.flushText()
		s.recordToolResult(ev)
	case assistant.KindUsage:
		s.flushText()
		s.recordUsage(ev)
	case assistant.KindError:
		s.flushText()
		s.appendLog(&v1.InstanceLog{Kind: v1.InstanceLogError, Payload: ev.Message})
		s.bcast.publish(v1.InstanceEvent{Type: v1.InstanceEventError, Content: ev.Message})
	case assistant.KindSystemNote:
		s.flushText()
		s.appendLog(&v1.InstanceLog{Kind: v1.InstanceLogSystem, Payload: ev.Message})
		s.bcast.publish(v1.InstanceEvent{Type: v1.InstanceEventSystem, Content: ev.Message})
	}
}

func (s *session) markReadyIfStarting() {
	s.stateMu.Lock()
	starting := s.status == v1.InstanceStatusStarting
	s.stateMu.Unlock()
	if starting {
		s.transition(v1.InstanceStatusReady, "")
	}
}

func (s *session) recordToolCall(ev assistant.Event) {
	s.metricsMu.Lock()
	if s.metrics.ToolCounts == nil {
		s.metrics.ToolCounts = make(map[string]int64)
	}
	s.metrics.ToolCounts[ev.ToolName]++
	s.metricsMu.Unlock()

	s.appendLog(&v1.InstanceLog{
		Kind:     v1.InstanceLogToolCall,
		ToolName: ev.ToolName,
		Payload:  ev.Arguments,
	})
	s.bcast.publish(v1.InstanceEvent{
		Type:     v1.InstanceEventToolCall,
		ToolName: ev.ToolName,
		Content:  ev.Arguments,
	})
}

// recordToolResult truncates oversized payloads to a preview event; the
// full payload lands in the instance log and the event carries its id.
func (s *session) recordToolResult(ev assistant.Event) {
	log := &v1.InstanceLog{
		Kind:     v1.InstanceLogToolResult,
		ToolName: ev.ToolName,
		Payload:  ev.Payload,
	}
	s.appendLog(log)

	limit := s.mgr.cfg.ToolResultLimit
	if limit <= 0 {
		limit = 4096
	}
	event := v1.InstanceEvent{
		Type:     v1.InstanceEventToolResult,
		ToolName: ev.ToolName,
		Content:  ev.Payload,
	}
	if len(ev.Payload) > limit {
		event.Content = ev.Payload[:limit]
		event.Truncated = true
		event.PayloadRef = log.ID
	}
	s.bcast.publish(event)
}

func (s *session) recordUsage(ev assistant.Event) {
	if ev.Usage == nil {
		return
	}
	tokens := ev.Usage.TotalTokens()

	s.metricsMu.Lock()
	s.metrics.Tokens += tokens
	s.metrics.CostUSD += ev.Usage.CostUSD
	s.metricsMu.Unlock()

	s.appendLog(&v1.InstanceLog{
		Kind:         v1.InstanceLogCost,
		TokensDelta:  tokens,
		CostDeltaUSD: ev.Usage.CostUSD,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.flushMetrics(ctx)
	cancel()

	s.bcast.publish(v1.InstanceEvent{
		Type:         v1.InstanceEventCost,
		TokensDelta:  tokens,
		CostDeltaUSD: ev.Usage.CostUSD,
	})
}

func (s *session) appendLog(log *v1.InstanceLog) {
	log.InstanceID = s.id
	log.Timestamp = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mgr.logs.Append(ctx, log); err != nil {
		s.mgr.logger.Warn("append instance log failed",
			zap.String("instance_id", s.id), zap.Error(err))
	}
}

// bufferText accumulates a text chunk for the coalescing window.
func (s *session) bufferText(text string) {
	s.pendingMu.Lock()
	if s.pending.Len() == 0 {
		s.pendingSince = time.Now()
	}
	s.pending.WriteString(text)
	s.pendingMu.Unlock()
}

// flushText emits buffered text as one output event and one stdout log
// record.
func (s *session) flushText() {
	s.pendingMu.Lock()
	if s.pending.Len() == 0 {
		s.pendingMu.Unlock()
		return
	}
	text := s.pending.String()
	s.pending.Reset()
	s.pendingMu.Unlock()

	s.appendLog(&v1.InstanceLog{Kind: v1.InstanceLogStdout, Payload: text})
	s.bcast.publish(v1.InstanceEvent{Type: v1.InstanceEventOutput, Content: text})
}

// coalesceLoop flushes buffered text on the coalescing cadence and, for
// profile-mode sessions, promotes starting → ready when the prompt shows.
func (s *session) coalesceLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.exited:
			return
		case <-ticker.C:
			s.pendingMu.Lock()
			due := s.pending.Len() > 0 && time.Since(s.pendingSince) >= interval
			s.pendingMu.Unlock()
			if due {
				s.flushText()
			}
			if s.profileMode && s.ready.promptVisible() {
				s.markReadyIfStarting()
			}
		}
	}
}
