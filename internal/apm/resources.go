package apm

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"vigil/internal/errors"
)

// resourceRingSize covers five minutes at the 30 s default cadence.
const resourceRingSize = 10

// ResourceSnapshot is one reading of the process footprint.
type ResourceSnapshot struct {
	At            time.Time `json:"at"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	VMSBytes      uint64    `json:"vms_bytes"`
	ReadCount     uint64    `json:"read_count"`
	WriteCount    uint64    `json:"write_count"`
	ReadBytes     uint64    `json:"read_bytes"`
	WriteBytes    uint64    `json:"write_bytes"`
	Threads       int32     `json:"threads"`
	FDs           int32     `json:"fds"`
}

// ResourceReader produces snapshots. The default reads the current process
// through gopsutil; tests inject fixed readings.
type ResourceReader interface {
	Read() (ResourceSnapshot, error)
}

type processReader struct {
	proc *process.Process
}

// NewProcessReader builds the gopsutil-backed reader for this process.
func NewProcessReader() (ResourceReader, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "open process handle")
	}
	return &processReader{proc: proc}, nil
}

// Read gathers what the platform exposes; fields whose probes fail stay
// zero rather than failing the whole snapshot.
func (r *processReader) Read() (ResourceSnapshot, error) {
	snap := ResourceSnapshot{At: time.Now()}

	if cpu, err := r.proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if pct, err := r.proc.MemoryPercent(); err == nil {
		snap.MemoryPercent = float64(pct)
	}
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
		snap.VMSBytes = mem.VMS
	}
	if io, err := r.proc.IOCounters(); err == nil && io != nil {
		snap.ReadCount = io.ReadCount
		snap.WriteCount = io.WriteCount
		snap.ReadBytes = io.ReadBytes
		snap.WriteBytes = io.WriteBytes
	}
	if threads, err := r.proc.NumThreads(); err == nil {
		snap.Threads = threads
	}
	if fds, err := r.proc.NumFDs(); err == nil {
		snap.FDs = fds
	}
	return snap, nil
}

// thresholdBreaches returns one alert per exceeded resource constant.
func thresholdBreaches(snap ResourceSnapshot, cfg Config) []Alert {
	var alerts []Alert
	if snap.CPUPercent > cfg.CPUAlertPercent {
		alerts = append(alerts, Alert{
			Kind:     AlertResourceThreshold,
			Severity: "warning",
			Subject:  "cpu usage above threshold",
			Body:     formatPercentBreach("cpu", snap.CPUPercent, cfg.CPUAlertPercent),
			DedupKey: "resource:cpu",
			At:       snap.At,
		})
	}
	if snap.MemoryPercent > cfg.MemoryAlertPercent {
		alerts = append(alerts, Alert{
			Kind:     AlertResourceThreshold,
			Severity: "warning",
			Subject:  "memory usage above threshold",
			Body:     formatPercentBreach("memory", snap.MemoryPercent, cfg.MemoryAlertPercent),
			DedupKey: "resource:memory",
			At:       snap.At,
		})
	}
	if int(snap.FDs) > cfg.FDAlertCount {
		alerts = append(alerts, Alert{
			Kind:     AlertResourceThreshold,
			Severity: "warning",
			Subject:  "file descriptor count above threshold",
			Body:     formatCountBreach("fds", int(snap.FDs), cfg.FDAlertCount),
			DedupKey: "resource:fds",
			At:       snap.At,
		})
	}
	return alerts
}
