// Package server receives protocol messages and drives the coordinator.
// Reads are answered on the calling goroutine; mutations are funneled
// through a single apply worker so overlapping batches resolve in strict
// arrival order no matter how many callers race.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/coordinator"
	"github.com/confsync/confsync/internal/lifecycle"
	"github.com/confsync/confsync/internal/metrics"
	"github.com/confsync/confsync/internal/transport"
)

// applyQueueSize bounds the mutation backlog. A full queue rejects new
// mutations instead of blocking the transport.
const applyQueueSize = 256

// ErrBusy means the mutation queue is full.
var ErrBusy = errors.New("apply queue full")

// Dispatcher routes protocol messages to coordinator operations.
type Dispatcher struct {
	coord *coordinator.Coordinator
	life  *lifecycle.Manager
	met   *metrics.Metrics // may be nil
	log   *logrus.Entry

	queue chan applyJob
	stop  chan struct{}
	done  chan struct{}
}

type applyJob struct {
	msg   transport.Message
	reply transport.ReplyFunc
}

// NewDispatcher creates a Dispatcher. Start must be called before it is
// installed as the bus handler.
func NewDispatcher(coord *coordinator.Coordinator, life *lifecycle.Manager, met *metrics.Metrics, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		coord: coord,
		life:  life,
		met:   met,
		log:   logger.WithField("component", "dispatcher"),
		queue: make(chan applyJob, applyQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the apply worker.
func (d *Dispatcher) Start() {
	go d.applyLoop()
}

// Stop drains nothing: queued mutations past the stop signal fail with
// ErrBusy on the requester side via their reply.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// Handle implements transport.Handler. The outcome is decided up front:
// reads and ping answer before returning, mutations hand their reply to the
// apply worker and declare Deferred.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message, reply transport.ReplyFunc) (transport.Outcome, error) {
	start := time.Now()

	switch msg.Type {
	case transport.MsgPing:
		// Liveness only. Answers even while the coordinator is down.
		err := d.replyJSON(reply, transport.PongResponse{
			Pong:      true,
			Timestamp: time.Now().UnixMilli(),
		})
		d.observe(msg.Type, start, err)
		return transport.Answered, err

	case transport.MsgGetSetting, transport.MsgGetSettings, transport.MsgGetAllSettings, transport.MsgExportSettings:
		err := d.handleRead(ctx, msg, reply)
		d.observe(msg.Type, start, err)
		return transport.Answered, err

	case transport.MsgUpdateSetting, transport.MsgUpdateSettings, transport.MsgImportSettings, transport.MsgResetSettings:
		select {
		case d.queue <- applyJob{msg: msg, reply: reply}:
			return transport.Deferred, nil
		default:
			d.observe(msg.Type, start, ErrBusy)
			return transport.Answered, ErrBusy
		}

	default:
		err := fmt.Errorf("unknown message type %q", msg.Type)
		d.observe(msg.Type, start, err)
		return transport.Answered, err
	}
}

func (d *Dispatcher) handleRead(ctx context.Context, msg transport.Message, reply transport.ReplyFunc) error {
	if err := d.life.EnsureReady(ctx); err != nil {
		return err
	}

	switch msg.Type {
	case transport.MsgGetSetting:
		var req transport.GetSettingRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		rec, err := d.coord.Get(ctx, req.Key)
		if err != nil {
			return err
		}
		return d.replyJSON(reply, transport.SettingResponse{Setting: rec})

	case transport.MsgGetSettings:
		var req transport.GetSettingsRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		recs, err := d.coord.GetMany(ctx, req.Keys)
		if err != nil {
			return err
		}
		return d.replyJSON(reply, transport.SettingsResponse{Settings: recs})

	case transport.MsgGetAllSettings:
		recs, err := d.coord.GetAll(ctx)
		if err != nil {
			return err
		}
		return d.replyJSON(reply, transport.SettingsResponse{Settings: recs})

	case transport.MsgExportSettings:
		env, err := d.coord.ExportAll(ctx)
		if err != nil {
			return err
		}
		return d.replyJSON(reply, env)

	default:
		return fmt.Errorf("not a read: %q", msg.Type)
	}
}

// applyLoop is the single mutation worker. One goroutine, one queue: strict
// FIFO apply order across all clients.
func (d *Dispatcher) applyLoop() {
	defer close(d.done)

	for {
		select {
		case job := <-d.queue:
			d.applyOne(job)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) applyOne(job applyJob) {
	start := time.Now()
	ctx := context.Background()

	err := d.applyMutation(ctx, job.msg, job.reply)
	if err != nil {
		// The requester may have timed out and gone; the reply is then a
		// logged no-op inside the transport.
		if rerr := job.reply(transport.Response{Error: err.Error()}); rerr != nil {
			d.log.WithError(rerr).WithField("type", job.msg.Type).Debug("Mutation error reply dropped")
		}
	}
	d.observe(job.msg.Type, start, err)

	if err == nil {
		d.reportQuota(ctx)
	}
}

func (d *Dispatcher) applyMutation(ctx context.Context, msg transport.Message, reply transport.ReplyFunc) error {
	if err := d.life.EnsureReady(ctx); err != nil {
		return err
	}

	switch msg.Type {
	case transport.MsgUpdateSetting:
		var req transport.UpdateSettingRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		changed, err := d.coord.UpdateMany(ctx, msg.Origin, map[string]any{req.Key: req.Value})
		if err != nil {
			return err
		}
		return d.replyJSON(reply, transport.SettingResponse{Setting: changed[req.Key]})

	case transport.MsgUpdateSettings:
		var req transport.UpdateSettingsRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		changed, err := d.coord.UpdateMany(ctx, msg.Origin, req.Updates)
		if err != nil {
			return err
		}
		return d.replyJSON(reply, transport.SettingsResponse{Settings: changed})

	case transport.MsgImportSettings:
		var req transport.ImportSettingsRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		applied, skipped, err := d.coord.ImportAll(ctx, msg.Origin, req.Data)
		if err != nil {
			return err
		}
		return d.replyJSON(reply, transport.ImportResponse{Applied: applied, Skipped: skipped})

	case transport.MsgResetSettings:
		count, err := d.coord.ResetToDefaults(ctx, msg.Origin)
		if err != nil {
			return err
		}
		return d.replyJSON(reply, transport.ResetResponse{Count: count})

	default:
		return fmt.Errorf("not a mutation: %q", msg.Type)
	}
}

func (d *Dispatcher) replyJSON(reply transport.ReplyFunc, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return reply(transport.Response{Payload: raw})
}

// reportQuota refreshes quota gauges after every applied mutation and warns
// once usage crosses the warning threshold.
func (d *Dispatcher) reportQuota(ctx context.Context) {
	status, err := d.coord.QuotaStatus(ctx)
	if err != nil {
		return
	}

	if d.met != nil {
		d.met.QuotaBytesUsed.Set(float64(status.BytesUsed))
		d.met.QuotaBytesLimit.Set(float64(status.QuotaBytes))
	}
	if status.Warning {
		d.log.WithFields(logrus.Fields{
			"bytes_used":  status.BytesUsed,
			"quota_bytes": status.QuotaBytes,
			"percent":     fmt.Sprintf("%.1f", status.Percent),
		}).Warn("Settings storage approaching quota")
	}
}

var _ transport.Handler = (*Dispatcher)(nil)

func (d *Dispatcher) observe(msgType transport.MessageType, start time.Time, err error) {
	if d.met == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.met.RequestsTotal.WithLabelValues(string(msgType), status).Inc()
	d.met.RequestDuration.WithLabelValues(string(msgType)).Observe(time.Since(start).Seconds())
}
