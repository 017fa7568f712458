// Package history records property values into InfluxDB. Number items are
// written as float fields and switch items as boolean fields, one point per
// property update, tagged with the device, property and state.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"

	"skybus/pkg/bus"
	"skybus/pkg/config"
	"skybus/pkg/property"
)

const (
	Measurement = "property"

	connectTimeout = 10 * time.Second
)

var ErrConnectionFailed = errors.New("influxdb connection failed")

// Writer is the part of the InfluxDB write API the recorder uses.
type Writer interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder is a bus client writing property updates to a Writer.
type Recorder struct {
	writer Writer
	id     string
	logger log.Ext1FieldLogger
	now    func() time.Time
	close  func()
}

// New creates a recorder writing to w.
func New(w Writer, logger log.Ext1FieldLogger) *Recorder {
	if logger == nil {
		logger = log.WithField("component", "history")
	}
	return &Recorder{
		writer: w,
		id:     uuid.NewString(),
		logger: logger,
		now:    time.Now,
	}
}

// Connect opens an InfluxDB client for cfg and returns a recorder using its
// non-blocking write API.
func Connect(cfg config.InfluxDBConfig, logger log.Ext1FieldLogger) (*Recorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := New(writeAPI, logger)
	r.close = client.Close
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Errorf("Write failed: %v", err)
		}
	}()
	return r, nil
}

func (r *Recorder) Info() bus.ClientInfo {
	return bus.ClientInfo{Name: "history-" + r.id[:8], Version: property.VersionCurrent}
}

func (r *Recorder) Attach(b *bus.Bus) error {
	return b.EnumerateProperties(r, nil)
}

func (r *Recorder) Detach() error {
	r.writer.Flush()
	if r.close != nil {
		r.close()
	}
	return nil
}

func (r *Recorder) DefineProperty(d *bus.Device, p *property.Property, message string) error {
	r.record(p)
	return nil
}

func (r *Recorder) UpdateProperty(d *bus.Device, p *property.Property, message string) error {
	r.record(p)
	return nil
}

func (r *Recorder) DeleteProperty(d *bus.Device, p *property.Property, message string) error {
	return nil
}

func (r *Recorder) SendMessage(d *bus.Device, message string) error {
	return nil
}

// Point returns the point recorded for p, or nil when p has no numeric or
// switch items.
func Point(p *property.Property, ts time.Time) *write.Point {
	fields := make(map[string]any)
	for i := range p.Items {
		switch v := p.Items[i].Value.(type) {
		case *property.NumberValue:
			fields[p.Items[i].Name] = v.Value
		case *property.SwitchValue:
			fields[p.Items[i].Name] = v.On
		}
	}
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{
		"device":   p.Device,
		"property": p.Name,
		"state":    p.State.String(),
	}
	return write.NewPoint(Measurement, tags, fields, ts)
}

func (r *Recorder) record(p *property.Property) {
	// Busy values are transient.
	if p.State == property.Busy {
		return
	}
	if pt := Point(p, r.now()); pt != nil {
		r.writer.WritePoint(pt)
	}
}
