// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package syncworker

import (
	"context"

	"github.com/smok-edge/agent/internal/uplink"
	"github.com/smok-edge/agent/internal/wire"
)

// UplinkWorker is the persistent-uplink-augmented sync strategy (spec
// §4.4): pathpoint samples go over DATA_STREAM and wait on settlement,
// logs go over LOGS unsettled, and orders arrive pushed (HasAsyncOrders is
// always true).
type UplinkWorker struct {
	conn *uplink.Conn
}

func NewUplinkWorker(conn *uplink.Conn) *UplinkWorker {
	return &UplinkWorker{conn: conn}
}

func (w *UplinkWorker) HasAsyncOrders() bool { return true }

func (w *UplinkWorker) SyncPathpoints(ctx context.Context, batch []PathpointBatchEntry) error {
	payload := encodePathpointBatch(batch)
	ch, err := w.conn.SendAwaitingSettlement(wire.FrameDataStream, wire.Encode(payload))
	if err != nil {
		return NoLink(err.Error())
	}

	select {
	case settlement := <-ch:
		if settlement.Err == nil {
			return nil
		}
		if _, ok := settlement.Err.(*uplink.DataStreamSyncFailed); ok {
			return ClientsFault(settlement.Err.Error())
		}
		return NoLink(settlement.Err.Error())
	case <-ctx.Done():
		return NoLink(ctx.Err().Error())
	}
}

// SyncLogs forwards logs fire-and-forget over LOGS (spec §4.4: "logs go
// via LOGS (unsettled)").
func (w *UplinkWorker) SyncLogs(ctx context.Context, batch []LogRecord) error {
	payload := make([]any, 0, len(batch))
	for _, r := range batch {
		payload = append(payload, map[string]any{
			"service":        r.Service,
			"when_us":        r.WhenUs,
			"message":        r.Message,
			"level":          r.Level,
			"exception_text": r.ExceptionText,
		})
	}
	w.conn.SendFrame(wire.Frame{Type: wire.FrameLogs, Payload: wire.Encode(payload)})
	return nil
}

func encodePathpointBatch(batch []PathpointBatchEntry) []any {
	out := make([]any, 0, len(batch))
	for _, e := range batch {
		values := make([]any, 0, len(e.Values))
		for _, v := range e.Values {
			values = append(values, v)
		}
		out = append(out, map[string]any{"path": e.Path, "values": values})
	}
	return out
}
