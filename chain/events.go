package chain

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrUnknownTopic is returned for logs whose first topic is not an oracle event.
	ErrUnknownTopic = errors.New("chain: unknown event topic")
	// ErrMalformedLog is returned when a recognised log cannot be decoded.
	ErrMalformedLog = errors.New("chain: malformed event log")
)

// EventKind names the oracle event that produced a MetricsEvent.
type EventKind string

const (
	KindMetricsUpdated      EventKind = "MetricsUpdated"
	KindBatchMetricsUpdated EventKind = "BatchMetricsUpdated"
)

// Quantity is a uint64 that accepts JSON numbers, decimal strings and 0x-prefixed hex.
type Quantity uint64

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}
	raw := string(data)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" {
		*q = 0
		return nil
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		digits := raw[2:]
		if digits == "" {
			*q = 0
			return nil
		}
		v, err := strconv.ParseUint(digits, 16, 64)
		if err != nil {
			return fmt.Errorf("quantity %q: %w", raw, err)
		}
		*q = Quantity(v)
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("quantity %q: %w", raw, err)
	}
	*q = Quantity(v)
	return nil
}

// RawLog is the log payload delivered by the websocket feed.
type RawLog struct {
	Address         string   `json:"address,omitempty"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     Quantity `json:"blockNumber"`
	LogIndex        Quantity `json:"logIndex"`
}

// DeviceUpdate carries the counters reported for one device.
type DeviceUpdate struct {
	DeviceID uint64 `json:"deviceId"`
	Views    uint64 `json:"views"`
	Taps     uint64 `json:"taps"`
}

// MetricsEvent is the typed form of an oracle log.
type MetricsEvent struct {
	Kind        EventKind      `json:"kind"`
	Timestamp   int64          `json:"timestamp"`
	Updates     []DeviceUpdate `json:"updates"`
	TxHash      string         `json:"transactionHash"`
	BlockNumber uint64         `json:"blockNumber"`
	LogIndex    uint64         `json:"logIndex"`
}

// Bucket is the rounded bucket the event's counters belong to.
func (e MetricsEvent) Bucket() int64 { return RoundBucket(e.Timestamp) }

// DeviceIDs lists the distinct devices touched by the event, in order of appearance.
func (e MetricsEvent) DeviceIDs() []uint64 {
	ids := make([]uint64, 0, len(e.Updates))
	seen := make(map[uint64]struct{}, len(e.Updates))
	for _, update := range e.Updates {
		if _, ok := seen[update.DeviceID]; ok {
			continue
		}
		seen[update.DeviceID] = struct{}{}
		ids = append(ids, update.DeviceID)
	}
	return ids
}

// DecodeLog converts a raw oracle log into a MetricsEvent.
func DecodeLog(raw RawLog) (MetricsEvent, error) {
	if len(raw.Topics) == 0 {
		return MetricsEvent{}, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}
	topics := make([]common.Hash, len(raw.Topics))
	for i, topic := range raw.Topics {
		topics[i] = common.HexToHash(strings.TrimSpace(topic))
	}
	data := common.FromHex(strings.TrimSpace(raw.Data))
	event := MetricsEvent{
		TxHash:      strings.TrimSpace(raw.TransactionHash),
		BlockNumber: uint64(raw.BlockNumber),
		LogIndex:    uint64(raw.LogIndex),
	}
	switch topics[0] {
	case MetricsUpdatedTopic:
		return decodeMetricsUpdated(event, topics, data)
	case BatchMetricsUpdatedTopic:
		return decodeBatchMetricsUpdated(event, topics, data)
	default:
		return MetricsEvent{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topics[0].Hex())
	}
}

func decodeMetricsUpdated(event MetricsEvent, topics []common.Hash, data []byte) (MetricsEvent, error) {
	if len(topics) != 4 {
		return MetricsEvent{}, fmt.Errorf("%w: MetricsUpdated wants 4 topics, got %d", ErrMalformedLog, len(topics))
	}
	deviceID, err := topicUint64(topics[1])
	if err != nil {
		return MetricsEvent{}, fmt.Errorf("%w: device id: %v", ErrMalformedLog, err)
	}
	ts, err := topicUint64(topics[2])
	if err != nil {
		return MetricsEvent{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedLog, err)
	}
	views, err := topicUint64(topics[3])
	if err != nil {
		return MetricsEvent{}, fmt.Errorf("%w: views: %v", ErrMalformedLog, err)
	}
	values, err := PerformanceOracleABI.Unpack(string(KindMetricsUpdated), data)
	if err != nil {
		return MetricsEvent{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if len(values) != 1 {
		return MetricsEvent{}, fmt.Errorf("%w: MetricsUpdated data fields %d", ErrMalformedLog, len(values))
	}
	taps, err := uintOutput(values[0])
	if err != nil {
		return MetricsEvent{}, fmt.Errorf("%w: taps: %v", ErrMalformedLog, err)
	}
	event.Kind = KindMetricsUpdated
	event.Timestamp = int64(ts)
	event.Updates = []DeviceUpdate{{DeviceID: deviceID, Views: views, Taps: taps}}
	return event, nil
}

func decodeBatchMetricsUpdated(event MetricsEvent, topics []common.Hash, data []byte) (MetricsEvent, error) {
	if len(topics) != 2 {
		return MetricsEvent{}, fmt.Errorf("%w: BatchMetricsUpdated wants 2 topics, got %d", ErrMalformedLog, len(topics))
	}
	ts, err := topicUint64(topics[1])
	if err != nil {
		return MetricsEvent{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedLog, err)
	}
	values, err := PerformanceOracleABI.Unpack(string(KindBatchMetricsUpdated), data)
	if err != nil {
		return MetricsEvent{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if len(values) != 3 {
		return MetricsEvent{}, fmt.Errorf("%w: BatchMetricsUpdated data fields %d", ErrMalformedLog, len(values))
	}
	ids, okIDs := values[0].([]*big.Int)
	views, okViews := values[1].([]*big.Int)
	taps, okTaps := values[2].([]*big.Int)
	if !okIDs || !okViews || !okTaps {
		return MetricsEvent{}, fmt.Errorf("%w: BatchMetricsUpdated array types", ErrMalformedLog)
	}
	if len(ids) != len(views) || len(ids) != len(taps) {
		return MetricsEvent{}, fmt.Errorf("%w: array lengths %d/%d/%d", ErrMalformedLog, len(ids), len(views), len(taps))
	}
	updates := make([]DeviceUpdate, 0, len(ids))
	for i := range ids {
		deviceID, err := toUint64(ids[i])
		if err != nil {
			return MetricsEvent{}, fmt.Errorf("%w: device id[%d]: %v", ErrMalformedLog, i, err)
		}
		v, err := toUint64(views[i])
		if err != nil {
			return MetricsEvent{}, fmt.Errorf("%w: views[%d]: %v", ErrMalformedLog, i, err)
		}
		t, err := toUint64(taps[i])
		if err != nil {
			return MetricsEvent{}, fmt.Errorf("%w: taps[%d]: %v", ErrMalformedLog, i, err)
		}
		updates = append(updates, DeviceUpdate{DeviceID: deviceID, Views: v, Taps: t})
	}
	event.Kind = KindBatchMetricsUpdated
	event.Timestamp = int64(ts)
	event.Updates = updates
	return event, nil
}

func topicUint64(topic common.Hash) (uint64, error) {
	return toUint64(new(big.Int).SetBytes(topic.Bytes()))
}

// EncodeMetricsUpdated builds the raw log the oracle emits for a single-device update.
// Used by the admin test-event endpoint and tests.
func EncodeMetricsUpdated(update DeviceUpdate, ts int64) (RawLog, error) {
	data, err := PerformanceOracleABI.Events[string(KindMetricsUpdated)].Inputs.NonIndexed().Pack(bigFromUint64(update.Taps))
	if err != nil {
		return RawLog{}, fmt.Errorf("pack MetricsUpdated: %w", err)
	}
	return RawLog{
		Topics: []string{
			MetricsUpdatedTopic.Hex(),
			common.BigToHash(bigFromUint64(update.DeviceID)).Hex(),
			common.BigToHash(big.NewInt(ts)).Hex(),
			common.BigToHash(bigFromUint64(update.Views)).Hex(),
		},
		Data: hexutil.Encode(data),
	}, nil
}

// EncodeBatchMetricsUpdated builds the raw log the oracle emits for a batch update.
func EncodeBatchMetricsUpdated(updates []DeviceUpdate, ts int64) (RawLog, error) {
	ids := make([]*big.Int, len(updates))
	views := make([]*big.Int, len(updates))
	taps := make([]*big.Int, len(updates))
	for i, update := range updates {
		ids[i] = bigFromUint64(update.DeviceID)
		views[i] = bigFromUint64(update.Views)
		taps[i] = bigFromUint64(update.Taps)
	}
	data, err := PerformanceOracleABI.Events[string(KindBatchMetricsUpdated)].Inputs.NonIndexed().Pack(ids, views, taps)
	if err != nil {
		return RawLog{}, fmt.Errorf("pack BatchMetricsUpdated: %w", err)
	}
	return RawLog{
		Topics: []string{
			BatchMetricsUpdatedTopic.Hex(),
			common.BigToHash(big.NewInt(ts)).Hex(),
		},
		Data: hexutil.Encode(data),
	}, nil
}
