package zro

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"skybus/pkg/dome"
)

type Direction int

const (
	DirCW Direction = iota
	DirCCW
)

type ShutterCommand int

const (
	ShutterOpen ShutterCommand = iota
	ShutterClose
)

type cmdCode uint8

// Dome commands
const (
	// Configuration commands
	cmdLoad cmdCode = 'L' // Load dome configuration parameters

	// Shutter commands
	cmdConnectShutter    cmdCode = 'X' // Connect to the shutter
	cmdDisconnectShutter cmdCode = 'Z' // Disconnect from the shutter
	cmdOpenShutter       cmdCode = 'O' // Open shutter
	cmdCloseShutter      cmdCode = 'C' // Close shutter

	// Dome movement commands
	cmdAbort cmdCode = 'A' // Abort azimuth movement
	cmdHome  cmdCode = 'H' // Move to 'home' position
	cmdGoto  cmdCode = 'G' // Go to a specific azimuth position
	cmdPark  cmdCode = 'K' // Park the dome

	// Information commands
	cmdStatus  cmdCode = 'S' // Read the dome status
	cmdVersion cmdCode = 'V' // Read firmware version
	cmdBattery cmdCode = 'B' // Read shutter's battery voltage and current
)

const responseTimeout = 5 * time.Second

var (
	ErrNoResponse     = errors.New("timeout waiting for response")
	ErrBrokerOffline  = errors.New("MQTT client is not connected")
	ErrCommandFailed  = errors.New("command failed")
	ErrInvalidCommand = errors.New("invalid command")
)

type Status struct {
	Position int       // Azimuth position in encoder ticks
	AtHome   bool      // True if the dome is at home position
	Slewing  bool      // True if the dome is slewing
	Dir      Direction // Direction of movement (CW or CCW)
	Target   int       // Target position in encoder ticks

	Temperature float32
	Humidity    float32

	BatteryVoltage float32
	BatteryCurrent float32

	Version string // Firmware version
}

// telemetryMsg is published periodically by the controller under the
// "telemetry" topic.
type telemetryMsg struct {
	AzState     int     `json:"az_state"` // State of the azimuth state machine
	Position    int     `json:"pos"`
	Home        int     `json:"home"`
	Dir         int     `json:"dir"`
	Target      int     `json:"target"`
	Link        int     `json:"link"`
	Temperature float32 `json:"temp"`
	Humidity    float32 `json:"hum"`
}

// batteryMsg is published periodically by the controller under the
// "battery" topic.
type batteryMsg struct {
	Voltage float32 `json:"batt_voltage"`
	Current float32 `json:"batt_current"`
}

type Response struct {
	Code  cmdCode // The code of the command that was sent
	Value string  // The value of the response
	Error bool    // True if there was an error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Controller talks to a ZRO dome controller through an MQTT broker.
// Commands are published on <root>/commands and acknowledged on
// <root>/responses, one at a time.
type Controller struct {
	client mqtt.Client
	config Config
	logger log.Ext1FieldLogger

	cmdMu        sync.Mutex
	responseChan chan Response

	mu     sync.Mutex
	status Status
}

func NewController(client mqtt.Client, config Config, logger log.Ext1FieldLogger) *Controller {
	return &Controller{
		client:       client,
		config:       config,
		responseChan: make(chan Response, 1),
		logger:       logger.WithField("component", "ZRO"),
	}
}

func (c *Controller) degreesToTicks(degrees float64) int {
	return int(dome.NormalizeAngle(degrees) * float64(c.config.TicksPerTurn) / 360.0)
}

func (c *Controller) ticksToDegrees(ticks int) float64 {
	if c.config.TicksPerTurn <= 0 {
		return 0
	}
	return dome.NormalizeAngle(float64(ticks) * 360.0 / float64(c.config.TicksPerTurn))
}

func (c *Controller) topics() map[string]mqtt.MessageHandler {
	root := c.config.TopicRoot
	return map[string]mqtt.MessageHandler{
		root + "/telemetry": c.telemetryHandler,
		root + "/battery":   c.batteryHandler,
		root + "/responses": c.responseHandler,
	}
}

// Start subscribes to the controller topics and reads the initial status,
// firmware version and battery state.
func (c *Controller) Start() error {
	if !c.client.IsConnected() {
		return ErrBrokerOffline
	}

	for topic, handler := range c.topics() {
		if token := c.client.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
			c.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
		}
	}

	if c.config.UploadOnConnect {
		if err := c.SetConfig(c.config); err != nil {
			c.unsubscribe()
			return err
		}
	}
	if c.config.UseShutter {
		if err := c.sendCommand(string(cmdConnectShutter)); err != nil {
			c.unsubscribe()
			return fmt.Errorf("failed to connect shutter: %w", err)
		}
	}

	for _, cmd := range []cmdCode{cmdStatus, cmdVersion, cmdBattery} {
		if err := c.sendCommand(string(cmd)); err != nil {
			c.unsubscribe()
			return fmt.Errorf("failed to send %c command: %w", cmd, err)
		}
	}
	return nil
}

// Stop releases the shutter link and unsubscribes.
func (c *Controller) Stop() {
	if c.config.UseShutter && c.client.IsConnected() {
		if err := c.sendCommand(string(cmdDisconnectShutter)); err != nil {
			c.logger.Warnf("Failed to disconnect shutter: %v", err)
		}
	}
	c.unsubscribe()
}

func (c *Controller) unsubscribe() {
	for topic := range c.topics() {
		c.client.Unsubscribe(topic)
	}
}

func (c *Controller) sendCommand(cmd string) error {
	if !c.client.IsConnected() {
		return ErrBrokerOffline
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	// Drop a late response from a previous command.
	select {
	case <-c.responseChan:
	default:
	}

	msg := "_" + cmd + ";"
	c.logger.Debugf("Sending command: %s", msg)

	topic := c.config.TopicRoot + "/commands"
	if token := c.client.Publish(topic, 0, false, msg); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish command: %w", token.Error())
	}

	select {
	case resp := <-c.responseChan:
		if resp.Error {
			return fmt.Errorf("%w: %c", ErrCommandFailed, resp.Code)
		}
		if resp.Code != cmdCode(cmd[0]) {
			return fmt.Errorf("unexpected response command: %c", resp.Code)
		}
		c.logger.Debugf("Response: %+v", resp)
	case <-time.After(responseTimeout):
		return ErrNoResponse
	}
	return nil
}

func (c *Controller) telemetryHandler(client mqtt.Client, msg mqtt.Message) {
	var telemetry telemetryMsg
	if err := json.Unmarshal(msg.Payload(), &telemetry); err != nil {
		c.logger.Errorf("Failed to unmarshal telemetry message: %v", err)
		return
	}
	c.logger.Tracef("Telemetry: %+v", telemetry)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Position = telemetry.Position
	c.status.Dir = Direction(telemetry.Dir)
	c.status.Target = telemetry.Target
	c.status.AtHome = telemetry.Home == 1
	c.status.Slewing = telemetry.AzState > 0 && telemetry.AzState < 5
	c.status.Temperature = telemetry.Temperature
	c.status.Humidity = telemetry.Humidity
}

func (c *Controller) batteryHandler(client mqtt.Client, msg mqtt.Message) {
	var battery batteryMsg
	if err := json.Unmarshal(msg.Payload(), &battery); err != nil {
		c.logger.Errorf("Failed to unmarshal battery message: %v", err)
		return
	}
	c.logger.Tracef("Battery: %+v", battery)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.BatteryVoltage = battery.Voltage
	c.status.BatteryCurrent = battery.Current
}

func (c *Controller) responseHandler(client mqtt.Client, msg mqtt.Message) {
	resp, err := parseResponse(string(msg.Payload()))
	if err != nil {
		c.logger.Errorf("Failed to parse response: %v", err)
		return
	}

	if resp.Code == cmdVersion && !resp.Error {
		version := strings.Trim(resp.Value, "()")
		c.mu.Lock()
		c.status.Version = version
		c.mu.Unlock()
		c.logger.Infof("Dome controller firmware version: %s", version)
	}

	select {
	case c.responseChan <- resp:
	case <-time.After(time.Second):
		c.logger.Warn("Timeout while sending response to the channel")
	}
}

// Responses have the format:
// "_ACK_<command>;"
// "_ACK_<command>=<value>;"
// "_NACK_<command>;"
func parseResponse(msg string) (Response, error) {
	var resp Response

	fields := strings.Split(msg, "_")
	if len(fields) != 3 {
		return resp, fmt.Errorf("bad number of fields: %s", msg)
	}
	if !strings.HasSuffix(fields[2], ";") {
		return resp, fmt.Errorf("invalid response suffix: %s", msg)
	}

	if fields[1] == "NACK" {
		resp.Error = true
	} else if fields[1] != "ACK" {
		return resp, fmt.Errorf("invalid response format: %s", msg)
	}

	cmd := strings.TrimSuffix(fields[2], ";")
	parts := strings.Split(cmd, "=")
	if len(parts[0]) != 1 {
		return resp, fmt.Errorf("invalid command format: %s", msg)
	}
	resp.Code = cmdCode(parts[0][0])

	if len(parts) == 2 {
		resp.Value = parts[1]
	} else if len(parts) != 1 {
		return resp, fmt.Errorf("invalid response value: %s", msg)
	}
	return resp, nil
}

// configParameters maps controller parameter names to their values.
func (c *Controller) configParameters(config Config) map[string]int {
	return map[string]int{
		"TICK": config.TicksPerTurn,
		"TOLE": config.Tolerance,
		"PKPO": c.degreesToTicks(config.ParkPosition),
		"POSH": c.degreesToTicks(config.HomePosition),
		"AZTO": config.AzimuthTimeout,
		"MXSP": config.MaxSpeed,
		"MNSP": config.MinSpeed,
		"BKSP": config.BrakeSpeed,
		"VLTO": config.VelTimeout,
		"SHDS": config.ShortDistance,
		"ENDV": boolToInt(config.ParkOnShutter),
	}
}

// SetConfig sends every configuration parameter as "_L<param>=<value>;".
func (c *Controller) SetConfig(config Config) error {
	for param, value := range c.configParameters(config) {
		if err := c.setParameter(param, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) setParameter(param string, value int) error {
	if err := c.sendCommand(fmt.Sprintf("%c%s=%d", cmdLoad, param, value)); err != nil {
		return fmt.Errorf("failed to send config parameter %s: %w", param, err)
	}
	return nil
}

// SetParkPosition stores az as the controller park position.
func (c *Controller) SetParkPosition(az float64) error {
	if err := c.setParameter("PKPO", c.degreesToTicks(az)); err != nil {
		return err
	}
	c.config.ParkPosition = az
	return nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Azimuth returns the current position in degrees.
func (c *Controller) Azimuth() float64 {
	return c.ticksToDegrees(c.Status().Position)
}

func (c *Controller) SlewToAzimuth(az float64) error {
	return c.sendCommand(fmt.Sprintf("%c=%d", cmdGoto, c.degreesToTicks(az)))
}

func (c *Controller) AbortSlew() error {
	return c.sendCommand(string(cmdAbort))
}

func (c *Controller) FindHome() error {
	return c.sendCommand(string(cmdHome))
}

func (c *Controller) Park() error {
	return c.sendCommand(string(cmdPark))
}

func (c *Controller) SetShutter(command ShutterCommand) error {
	var cmd cmdCode
	switch command {
	case ShutterOpen:
		cmd = cmdOpenShutter
	case ShutterClose:
		cmd = cmdCloseShutter
	default:
		return fmt.Errorf("%w: shutter %d", ErrInvalidCommand, command)
	}
	return c.sendCommand(string(cmd))
}
