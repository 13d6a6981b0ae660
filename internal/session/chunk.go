package session

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/time/rate"

	"bizsync-p2p/internal/cryptoutil"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/protocol"
)

// plannedChunk is one outgoing batch before encoding.
type plannedChunk struct {
	category domain.Category
	records  []domain.Record
}

// planChunks splits the outgoing delta into per-category batches. There is
// always at least one chunk so the peer learns where the stream ends.
func planChunks(delta map[domain.Category][]domain.Record, order []domain.Category, size int) []plannedChunk {
	var out []plannedChunk
	for _, cat := range order {
		recs := delta[cat]
		for len(recs) > 0 {
			n := min(size, len(recs))
			out = append(out, plannedChunk{category: cat, records: recs[:n]})
			recs = recs[n:]
		}
	}
	if len(out) == 0 {
		cat := domain.Category("")
		if len(order) > 0 {
			cat = order[0]
		}
		out = append(out, plannedChunk{category: cat})
	}
	return out
}

func chunkAD(sessionID string, seq int) []byte {
	return []byte(sessionID + "/" + strconv.Itoa(seq))
}

func chunkKey(secret []byte, sessionID string) []byte {
	return cryptoutil.Derive(secret, cryptoutil.PurposeChunk, []byte(sessionID))
}

// encodeChunk serializes records, then compresses and encrypts as
// configured.
func encodeChunk(sessionID string, seq int, recs []domain.Record, cfg domain.SyncConfiguration, key []byte) ([]byte, error) {
	if recs == nil {
		recs = []domain.Record{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return nil, err
	}
	if cfg.CompressData {
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		data = buf.Bytes()
	}
	if cfg.EncryptData {
		data, err = cryptoutil.Seal(key, data, chunkAD(sessionID, seq))
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func decodeChunk(p protocol.DataChunkPayload, key []byte) ([]domain.Record, error) {
	data := p.Data
	var err error
	if p.Encrypted {
		data, err = cryptoutil.Open(key, data, chunkAD(p.SessionID, p.Sequence))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt chunk %d: %w", p.Sequence, err)
		}
	}
	if p.Compressed {
		r := flate.NewReader(bytes.NewReader(data))
		data, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to inflate chunk %d: %w", p.Sequence, err)
		}
	}
	var recs []domain.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("malformed chunk %d: %w", p.Sequence, err)
	}
	return recs, nil
}

func newLimiter(kbps int) *rate.Limiter {
	if kbps <= 0 {
		return nil
	}
	bytesPerSec := kbps * 1024 / 8
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// throttle waits until n bytes fit under the bandwidth ceiling.
func throttle(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim == nil {
		return nil
	}
	burst := lim.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := lim.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
