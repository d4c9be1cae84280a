package monitor

import (
	"bytes"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/banshee-data/eventhorizon/internal/httputil"
	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

const metricPrefix = "eventhorizon_"

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Gauge: &dto.Gauge{Value: proto.Float64(v)},
		}},
	}
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Counter: &dto.Counter{Value: proto.Float64(float64(v))},
		}},
	}
}

// stageFamily builds one family with a sample per stage.
func stageFamily(name, help string, typ dto.MetricType, stages []pipeline.StageStatus, value func(pipeline.StageStatus) float64) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
	for _, st := range stages {
		m := &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String("stage"), Value: proto.String(string(st.Name))}},
		}
		v := proto.Float64(value(st))
		if typ == dto.MetricType_COUNTER {
			m.Counter = &dto.Counter{Value: v}
		} else {
			m.Gauge = &dto.Gauge{Value: v}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// metricFamilies snapshots the controller as Prometheus metric families.
func metricFamilies(c Controller) []*dto.MetricFamily {
	stats := c.TransmissionStats()
	stages := c.Stages()
	fams := []*dto.MetricFamily{
		gauge("running", "1 while the pipeline is started.", boolValue(c.Running())),
		gauge("transmission_state", "Connection state (0 disconnected, 1 connecting, 2 connected, 3 receiving, 4 disconnecting).", float64(c.TransmissionState())),
		gauge("accumulation_seconds", "Width of the trailing event window.", c.AccumulationTime()),
		gauge("log_records", "Records retained in the shared event log.", float64(c.LogLength())),
		counter("cleaned_up_total", "Records removed by cleanup since the last reset.", c.CleanedUp()),
		counter("source_connects_total", "Successful source connections.", stats.Connects),
		counter("source_losses_total", "Source connection losses.", stats.ConnectionLosses),
		counter("blocks_total", "Text blocks received from the source.", stats.Blocks),
		counter("groups_total", "Interaction groups parsed.", stats.Groups),
		counter("malformed_total", "Malformed groups discarded.", stats.Malformed),
		counter("time_jumps_total", "Groups too old to be placed in time order.", stats.TimeJumps),
		counter("resyncs_total", "Clock resyncs after repeated time jumps.", stats.Resyncs),
		counter("published_total", "Records published onto the log.", stats.Published),
		counter("sink_errors_total", "Failed sink appends.", stats.SinkErrors),
		stageFamily("stage_running", "1 while the stage loop runs.", dto.MetricType_GAUGE, stages,
			func(s pipeline.StageStatus) float64 { return boolValue(s.Running) }),
		stageFamily("stage_last_processed_id", "Stage bookmark.", dto.MetricType_GAUGE, stages,
			func(s pipeline.StageStatus) float64 { return float64(s.LastProcessedID) }),
		stageFamily("stage_cpu_usage", "Busy fraction over the last usage period.", dto.MetricType_GAUGE, stages,
			func(s pipeline.StageStatus) float64 { return s.CPUUsage }),
		stageFamily("stage_processed_total", "Records processed.", dto.MetricType_COUNTER, stages,
			func(s pipeline.StageStatus) float64 { return float64(s.Processed) }),
		stageFamily("stage_dropped_total", "Records dropped.", dto.MetricType_COUNTER, stages,
			func(s pipeline.StageStatus) float64 { return float64(s.Dropped) }),
	}
	if snap := c.Snapshot(); snap != nil {
		fams = append(fams,
			gauge("window_events", "Records inside the last published window.", float64(snap.Events)),
			gauge("horizon_id", "Event horizon of the last published window.", float64(snap.HorizonID)),
		)
	}
	return fams
}

func (ws *WebServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range metricFamilies(ws.ctrl) {
		if len(mf.Metric) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}
	w.Header().Set("Content-Type", string(format))
	_, _ = w.Write(buf.Bytes())
}
