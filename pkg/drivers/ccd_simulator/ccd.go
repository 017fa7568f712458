// Package ccd_simulator implements a camera that exposes synthetic frames.
package ccd_simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"skybus/pkg/bus"
	"skybus/pkg/driver"
	"skybus/pkg/property"
	"skybus/pkg/store"
	"skybus/pkg/timer"
)

const (
	driverVersion = "1.0"

	imageGroup  = "Image"
	cameraGroup = "Camera"

	InfoProperty = "CCD_INFO"
	InfoWidth    = "WIDTH"
	InfoHeight   = "HEIGHT"
	InfoPixel    = "PIXEL_SIZE"
	InfoBits     = "BITS_PER_PIXEL"

	ExposureProperty = "CCD_EXPOSURE"
	ExposureItem     = "EXPOSURE"

	AbortProperty = "CCD_ABORT_EXPOSURE"
	AbortItem     = "ABORT_EXPOSURE"

	FrameTypeProperty = "CCD_FRAME_TYPE"
	FrameLight        = "LIGHT"
	FrameDark         = "DARK"
	FrameFlat         = "FLAT"

	ImageProperty = "CCD_IMAGE"
	ImageItem     = "IMAGE"
	ImageFormat   = ".raw"

	maxExposure = 3600.0
	tick        = time.Second
)

var ErrExposureInProgress = errors.New("exposure in progress")

// Config describes the simulated sensor.
type Config struct {
	Width     int
	Height    int
	PixelSize float64 // microns
}

var DefaultConfig = Config{Width: 320, Height: 240, PixelSize: 3.76}

// CCD is a bus driver for a simulated camera.
type CCD struct {
	driver.Base
	config Config
	rng    *rand.Rand

	info      *property.Property
	exposure  *property.Property
	abort     *property.Property
	frameType *property.Property
	image     *property.Property

	exposureTimer *timer.Timer
	remaining     time.Duration
	started       time.Time
}

func New(config Config, st *store.Store) *CCD {
	if config.Width <= 0 || config.Height <= 0 {
		config = DefaultConfig
	}
	c := &CCD{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.Init(driver.Options{Version: driverVersion, Store: st, Connector: c})
	return c
}

func (c *CCD) Attach(d *bus.Device) error {
	if err := c.Base.Attach(d); err != nil {
		return err
	}
	name := d.Name()

	c.info = property.Must(property.NewNumber(name, InfoProperty, imageGroup, "CCD info", property.Ok, property.ReadOnly, 4))
	c.info.Items[0].InitNumber(InfoWidth, "Horizontal resolution", 0, 65535, 1, float64(c.config.Width))
	c.info.Items[1].InitNumber(InfoHeight, "Vertical resolution", 0, 65535, 1, float64(c.config.Height))
	c.info.Items[2].InitNumber(InfoPixel, "Pixel size", 0, 100, 0.01, c.config.PixelSize)
	c.info.Items[3].InitNumber(InfoBits, "Bits per pixel", 8, 16, 8, 16)

	c.exposure = property.Must(property.NewNumber(name, ExposureProperty, cameraGroup, "Start exposure", property.Idle, property.ReadWrite, 1))
	c.exposure.Items[0].InitNumber(ExposureItem, "Exposure time (s)", 0, maxExposure, 0.001, 0)

	c.abort = property.Must(property.NewSwitch(name, AbortProperty, cameraGroup, "Abort exposure", property.Idle, property.ReadWrite, property.AtMostOne, 1))
	c.abort.Items[0].InitSwitch(AbortItem, "Abort exposure", false)

	c.frameType = property.Must(property.NewSwitch(name, FrameTypeProperty, imageGroup, "Frame type", property.Ok, property.ReadWrite, property.OneOfMany, 3))
	c.frameType.Items[0].InitSwitch(FrameLight, "Light", true)
	c.frameType.Items[1].InitSwitch(FrameDark, "Dark", false)
	c.frameType.Items[2].InitSwitch(FrameFlat, "Flat", false)

	c.image = property.Must(property.NewBlob(name, ImageProperty, imageGroup, "Image data", property.Idle, 1))
	c.image.Items[0].InitBlob(ImageItem, "Image")

	for _, p := range []*property.Property{c.info, c.exposure, c.abort, c.frameType, c.image} {
		c.AddProperty(p)
	}
	return nil
}

func (c *CCD) ChangeProperty(cl bus.Client, req *property.Property) error {
	c.Lock()
	defer c.Unlock()

	switch {
	case c.exposure.Match(req):
		return c.startExposure(req)
	case c.abort.Match(req):
		return c.abortExposure(req)
	case c.frameType.Match(req):
		if !c.IsConnected() {
			return driver.ErrNotConnected
		}
		if err := c.Apply(c.frameType, req); err != nil {
			return err
		}
		c.frameType.State = property.Ok
		c.Update(c.frameType, "")
		return nil
	case c.info.Match(req), c.image.Match(req):
		if !c.IsConnected() {
			return driver.ErrNotConnected
		}
		return driver.ErrReadOnly
	}
	return c.HandleChange(cl, req)
}

// Open implements driver.Connector. The simulator has no transport.
func (c *CCD) Open(port string) error {
	return nil
}

func (c *CCD) Close() error {
	c.exposureTimer = nil
	c.exposure.State = property.Idle
	c.exposure.Items[0].Number().Value = 0
	c.image.State = property.Idle
	return nil
}

func (c *CCD) startExposure(req *property.Property) error {
	if !c.IsConnected() {
		return driver.ErrNotConnected
	}
	if c.exposure.State == property.Busy {
		return c.Fail(c.exposure, ErrExposureInProgress)
	}
	if err := c.Apply(c.exposure, req); err != nil {
		return err
	}

	seconds := c.exposure.Items[0].Number().Value
	c.remaining = time.Duration(seconds * float64(time.Second))
	c.started = time.Now()
	c.exposure.State = property.Busy
	c.Update(c.exposure, "")
	if c.image.State != property.Busy {
		c.image.State = property.Busy
		c.Update(c.image, "")
	}

	t, err := c.Device.Schedule(min(c.remaining, tick), c.onExposureTimer)
	if err != nil {
		return c.Fail(c.exposure, fmt.Errorf("failed to start exposure: %w", err))
	}
	c.exposureTimer = t
	c.Logger.Infof("Exposure of %gs started", seconds)
	return nil
}

// onExposureTimer counts the exposure down once per tick and publishes the
// frame when it reaches zero.
func (c *CCD) onExposureTimer(t *timer.Timer) {
	c.Lock()
	defer c.Unlock()

	if t.Cancelled() || t != c.exposureTimer || !c.IsConnected() {
		return
	}

	left := c.remaining - time.Since(c.started)
	if left > 0 {
		c.exposure.Items[0].Number().Value = math.Round(left.Seconds()*1000) / 1000
		c.Update(c.exposure, "")
		t.Reschedule(min(left, tick))
		return
	}

	c.exposureTimer = nil
	c.exposure.Items[0].Number().Value = 0
	frame, err := c.readout()
	if err != nil {
		c.Fail(c.image, err)
		c.Fail(c.exposure, err)
		return
	}
	if err := c.image.SetBlob(&c.image.Items[0], frame, ImageFormat); err != nil {
		c.Fail(c.image, err)
		c.Fail(c.exposure, err)
		return
	}
	c.image.State = property.Ok
	c.Update(c.image, "")
	c.exposure.State = property.Ok
	c.Update(c.exposure, "Exposure done")
	c.Logger.Info("Exposure done")
}

func (c *CCD) abortExposure(req *property.Property) error {
	if !c.IsConnected() {
		return driver.ErrNotConnected
	}
	if err := c.Apply(c.abort, req); err != nil {
		return err
	}
	if !c.abort.IsOn(AbortItem) {
		return nil
	}

	if c.exposureTimer != nil {
		c.exposureTimer.Cancel()
		c.exposureTimer = nil
		c.exposure.Items[0].Number().Value = 0
		c.exposure.State = property.Alert
		c.Update(c.exposure, "Exposure aborted")
		c.image.State = property.Alert
		c.Update(c.image, "")
		c.Logger.Info("Exposure aborted")
	}
	c.abort.Items[0].Switch().On = false
	c.abort.State = property.Ok
	c.Update(c.abort, "")
	return nil
}

// readout renders a 16-bit frame: a horizontal gradient with a few stars
// and shot noise for light frames, a noise floor for darks, flat grey for flats.
func (c *CCD) readout() ([]byte, error) {
	w, h := c.config.Width, c.config.Height
	hdr := property.RawHeader{Type: property.RawMono16, Width: uint32(w), Height: uint32(h)}
	head, err := hdr.MarshalBinary()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, property.RawHeaderSize+hdr.ImageSize())
	copy(buf, head)
	pixels := buf[property.RawHeaderSize:]

	frame := FrameLight
	if sel := c.frameType.SelectedSwitch(); sel != nil {
		frame = sel.Name
	}

	stars := [][2]int{{w / 4, h / 3}, {w / 2, h / 2}, {3 * w / 4, 2 * h / 3}}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 200 + c.rng.Intn(50)
			switch frame {
			case FrameFlat:
				v += 30000
			case FrameLight:
				v += x * 2000 / w
				for _, s := range stars {
					dx, dy := float64(x-s[0]), float64(y-s[1])
					v += int(40000 * math.Exp(-(dx*dx+dy*dy)/8))
				}
			}
			binary.LittleEndian.PutUint16(pixels[2*(y*w+x):], uint16(min(v, math.MaxUint16)))
		}
	}
	return buf, nil
}
