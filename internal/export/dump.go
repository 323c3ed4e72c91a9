// Package export writes capture snapshots to disk: JSON dumps for debugging
// and FIT activity files for training platforms.
package export

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
	"github.com/chaz8081/ftms-recorder/internal/session"
)

// ErrDigestMismatch is returned by LoadDump when the packet section does not
// match the recorded digest.
var ErrDigestMismatch = errors.New("export: packet digest mismatch")

// DumpPacket is one captured notification as written to a dump.
type DumpPacket struct {
	Seq            uint64           `json:"seq"`
	Timestamp      time.Time        `json:"timestamp"`
	Characteristic string           `json:"characteristic_uuid"`
	Source         capture.Source   `json:"source"`
	Raw            string           `json:"raw"`
	Measurement    json.RawMessage  `json:"measurement,omitempty"`
	DecodeError    *capture.Failure `json:"decode_error,omitempty"`
}

// StreamSummary counts the packets of one characteristic.
type StreamSummary struct {
	Name    string    `json:"name"`
	Packets int       `json:"packets"`
	Decoded int       `json:"decoded"`
	Failed  int       `json:"failed"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

// Dump is the on-disk capture format. Streams keeps the order in which
// characteristics first appeared.
type Dump struct {
	Reason    string                                         `json:"reason"`
	SessionID string                                         `json:"session_id,omitempty"`
	CreatedAt time.Time                                      `json:"created_at"`
	Streams   *orderedmap.OrderedMap[string, StreamSummary] `json:"streams"`
	Summary   Summary                                        `json:"summary"`
	Packets   []DumpPacket                                   `json:"packets"`
	Digest    string                                         `json:"digest"`
}

// FileExporterOptions configures a FileExporter.
type FileExporterOptions struct {
	Dir       string `default:"captures"`
	SessionID string
	Logger    *logrus.Logger
}

// FileExporter writes capture dumps as JSON files. It satisfies
// session.Exporter and is safe for concurrent use.
type FileExporter struct {
	dir       string
	sessionID string
	log       *logrus.Logger
	now       func() time.Time
}

var _ session.Exporter = (*FileExporter)(nil)

// NewFileExporter returns an exporter writing under opts.Dir.
func NewFileExporter(opts FileExporterOptions) *FileExporter {
	defaults.SetDefaults(&opts)
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileExporter{dir: opts.Dir, sessionID: opts.SessionID, log: log, now: time.Now}
}

// Dir returns the output directory.
func (e *FileExporter) Dir() string { return e.dir }

var unsafeReason = regexp.MustCompile(`[^a-z0-9_-]+`)

// ExportCapture writes packets to capture-<time>-<reason>.json and returns
// the path.
func (e *FileExporter) ExportCapture(reason string, packets []capture.Packet) (string, error) {
	dump, err := NewDump(reason, e.sessionID, packets, e.now())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create directory: %w", err)
	}

	name := fmt.Sprintf("capture-%s-%s.json",
		dump.CreatedAt.UTC().Format("20060102T150405.000Z"),
		unsafeReason.ReplaceAllString(reason, "_"))
	path := filepath.Join(e.dir, name)

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export: encode dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("export: write %s: %w", path, err)
	}

	e.log.WithFields(logrus.Fields{
		"path":    path,
		"reason":  reason,
		"packets": len(packets),
	}).Info("[export] capture written")
	return path, nil
}

// NewDump builds a Dump from a capture snapshot.
func NewDump(reason, sessionID string, packets []capture.Packet, at time.Time) (*Dump, error) {
	out := make([]DumpPacket, 0, len(packets))
	streams := orderedmap.New[string, StreamSummary]()

	for _, p := range packets {
		dp := DumpPacket{
			Seq:            p.Seq,
			Timestamp:      p.Timestamp,
			Characteristic: p.CharacteristicUUID,
			Source:         p.Source,
			Raw:            hex.EncodeToString(p.Raw),
			DecodeError:    p.DecodeErr,
		}
		if p.Measurement != nil {
			m, err := json.Marshal(p.Measurement)
			if err != nil {
				return nil, fmt.Errorf("export: encode measurement %d: %w", p.Seq, err)
			}
			dp.Measurement = m
		}
		out = append(out, dp)

		st, ok := streams.Get(p.CharacteristicUUID)
		if !ok {
			st = StreamSummary{Name: streamName(p.CharacteristicUUID), First: p.Timestamp}
		}
		st.Packets++
		if p.Decoded() {
			st.Decoded++
		} else {
			st.Failed++
		}
		st.Last = p.Timestamp
		streams.Set(p.CharacteristicUUID, st)
	}

	digest, err := digestPackets(out)
	if err != nil {
		return nil, err
	}
	return &Dump{
		Reason:    reason,
		SessionID: sessionID,
		CreatedAt: at,
		Streams:   streams,
		Summary:   Summarize(packets),
		Packets:   out,
		Digest:    digest,
	}, nil
}

func streamName(uuid string) string {
	if protocol.Classify(uuid) == protocol.ClassHeartRate {
		return "Heart Rate"
	}
	return protocol.MachineTypeName(uuid)
}

func digestPackets(packets []DumpPacket) (string, error) {
	data, err := json.Marshal(packets)
	if err != nil {
		return "", fmt.Errorf("export: digest: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LoadDump reads a dump written by ExportCapture, verifies its digest and
// re-decodes every raw payload into capture packets.
func LoadDump(path string) (*Dump, []capture.Packet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("export: read %s: %w", path, err)
	}
	var dump Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, nil, fmt.Errorf("export: parse %s: %w", path, err)
	}

	if dump.Digest != "" {
		got, err := digestPackets(dump.Packets)
		if err != nil {
			return nil, nil, err
		}
		if got != dump.Digest {
			return &dump, nil, ErrDigestMismatch
		}
	}

	packets := make([]capture.Packet, 0, len(dump.Packets))
	for _, dp := range dump.Packets {
		raw, err := hex.DecodeString(dp.Raw)
		if err != nil {
			return &dump, nil, fmt.Errorf("export: packet %d raw bytes: %w", dp.Seq, err)
		}
		m, derr := protocol.Decode(dp.Characteristic, raw)
		packets = append(packets, capture.Packet{
			Seq:                dp.Seq,
			Timestamp:          dp.Timestamp,
			CharacteristicUUID: dp.Characteristic,
			Source:             dp.Source,
			Raw:                raw,
			Measurement:        m,
			DecodeErr:          capture.NewFailure(derr),
		})
	}
	return &dump, packets, nil
}
