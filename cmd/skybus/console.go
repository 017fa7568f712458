package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"skybus/pkg/property"
	"skybus/pkg/wire"
)

// console mirrors the properties of one server and lets the user change them.
type console struct {
	conn io.ReadWriteCloser
	enc  *wire.Encoder
	dec  *wire.Decoder
	rl   *readline.Instance

	mu    sync.Mutex
	props map[string]*property.Property
	// watch prints every update when set.
	watch bool
}

func newConsole(conn io.ReadWriteCloser, prompt string) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &console{
		conn:  conn,
		enc:   wire.NewEncoder(conn, property.VersionCurrent),
		dec:   wire.NewDecoder(conn),
		rl:    rl,
		props: make(map[string]*property.Property),
		watch: true,
	}, nil
}

func (c *console) out() io.Writer {
	return c.rl.Stdout()
}

// receive applies documents from the server until the connection ends.
func (c *console) receive(cancel context.CancelFunc) {
	defer cancel()
	for {
		m, err := c.dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(c.rl.Stderr(), "Connection error: %v\n", err)
			} else {
				fmt.Fprintln(c.out(), "Server closed the connection")
			}
			return
		}
		c.apply(m)
	}
}

func (c *console) apply(m *wire.Msg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.Kind {
	case wire.Define:
		c.props[m.Property.String()] = m.Property
		if c.watch {
			fmt.Fprintf(c.out(), "+ %s (%s, %s)\n", m.Property, m.Property.Type, m.Property.State)
		}
	case wire.Update:
		p, ok := c.props[m.Property.String()]
		if !ok {
			return
		}
		_ = p.CopyValues(m.Property, true)
		for i := range m.Property.Items {
			src, dst := m.Property.Items[i].Number(), p.Item(m.Property.Items[i].Name)
			if src != nil && dst != nil && dst.Number() != nil {
				dst.Number().Target = src.Target
			}
		}
		if c.watch {
			fmt.Fprintf(c.out(), "* %s\n", summary(p))
		}
	case wire.Delete:
		for key, p := range c.props {
			if p.Device == m.Device && (m.Name == "" || p.Name == m.Name) {
				delete(c.props, key)
			}
		}
		if c.watch {
			fmt.Fprintf(c.out(), "- %s.%s\n", m.Device, m.Name)
		}
	case wire.Message:
		fmt.Fprintf(c.out(), "%s: %s\n", m.Device, m.Text)
	}
	if m.Text != "" && m.Kind != wire.Message && c.watch {
		fmt.Fprintf(c.out(), "  %s\n", m.Text)
	}
}

func (c *console) Run(ctx context.Context, cancel context.CancelFunc) error {
	defer c.rl.Close()

	go c.receive(cancel)
	if err := c.enc.Encode(&wire.Msg{Kind: wire.GetProperties, Version: property.VersionCurrent}); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := c.rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.execute(line); quit {
				return nil
			}
		}
	}
}

func (c *console) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	args := parts[1:]

	var err error
	switch strings.ToLower(parts[0]) {
	case "help", "?":
		c.printHelp()
	case "list", "ls":
		c.cmdList(args)
	case "get", "g":
		err = c.cmdGet(args)
	case "set", "s":
		err = c.cmdSet(args)
	case "blob":
		err = c.cmdBlob(args)
	case "save":
		err = c.cmdSave(args)
	case "watch":
		c.mu.Lock()
		c.watch = !c.watch
		fmt.Fprintf(c.out(), "Watch %v\n", c.watch)
		c.mu.Unlock()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out(), "Unknown command: %s (type 'help' for commands)\n", parts[0])
	}
	if err != nil {
		fmt.Fprintf(c.out(), "Error: %v\n", err)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out(), `
Commands:
  list [device]                 - List properties
  get <device.property>         - Show a property
  set <device.property> k=v ... - Request new item values
  blob <device> <Also|Never|URL> - Select BLOB delivery
  save <device.property> <item> <file> - Write a BLOB item to a file
  watch                         - Toggle printing of updates
  quit                          - Exit`)
}

func (c *console) sorted(device string) []*property.Property {
	c.mu.Lock()
	defer c.mu.Unlock()
	var list []*property.Property
	for _, p := range c.props {
		if device == "" || p.Device == device {
			list = append(list, p.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].String() < list[j].String()
	})
	return list
}

func (c *console) lookup(key string) (*property.Property, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.props[key]
	if !ok {
		return nil, fmt.Errorf("no property %s", key)
	}
	return p.Clone(), nil
}

func (c *console) cmdList(args []string) {
	device := ""
	if len(args) > 0 {
		device = args[0]
	}
	for _, p := range c.sorted(device) {
		fmt.Fprintf(c.out(), "%-40s %-7s %-5s %s\n", p, p.Type, p.State, p.Label)
	}
}

func (c *console) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <device.property>")
	}
	p, err := c.lookup(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "%s [%s %s %s] %s\n", p, p.Type, p.Perm, p.State, p.Label)
	for i := range p.Items {
		fmt.Fprintf(c.out(), "  %-24s %s\n", p.Items[i].Name, itemValue(&p.Items[i]))
	}
	return nil
}

func (c *console) cmdSet(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: set <device.property> item=value ...")
	}
	p, err := c.lookup(args[0])
	if err != nil {
		return err
	}
	values := make(map[string]string, len(args)-1)
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid assignment %q", kv)
		}
		values[k] = v
	}
	req, err := request(p, values)
	if err != nil {
		return err
	}
	return c.enc.Encode(&wire.Msg{Kind: wire.New, Property: req})
}

func (c *console) cmdBlob(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: blob <device> <Also|Never|URL>")
	}
	mode, err := property.ParseBlobMode(args[1])
	if err != nil {
		return err
	}
	return c.enc.Encode(&wire.Msg{Kind: wire.EnableBlob, Device: args[0], Mode: mode})
}

func (c *console) cmdSave(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: save <device.property> <item> <file>")
	}
	p, err := c.lookup(args[0])
	if err != nil {
		return err
	}
	it := p.Item(args[1])
	if it == nil || it.Blob() == nil {
		return fmt.Errorf("%s has no BLOB item %s", p, args[1])
	}
	if len(it.Blob().Content) == 0 {
		return fmt.Errorf("%s.%s has no content", p, args[1])
	}
	if err := os.WriteFile(args[2], it.Blob().Content, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "Saved %d bytes to %s\n", len(it.Blob().Content), args[2])
	return nil
}

// request builds a new vector for p from item name/value pairs.
func request(p *property.Property, values map[string]string) (*property.Property, error) {
	req, err := property.NewRequest(p.Device, p.Name, p.Type, len(values))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		if p.Item(name) == nil {
			return nil, fmt.Errorf("%s has no item %s", p, name)
		}
		it := &req.Items[i]
		it.Name = name
		v := values[name]
		switch p.Type {
		case property.Text:
			it.Text().Value = v
		case property.Number:
			f, err := property.ParseNumber(v)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q: %w", v, err)
			}
			it.Number().Value = f
			it.Number().Target = f
		case property.Switch:
			on, err := parseSwitch(v)
			if err != nil {
				return nil, err
			}
			it.Switch().On = on
		default:
			return nil, fmt.Errorf("cannot change %s properties", p.Type)
		}
	}
	return req, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func itemValue(it *property.Item) string {
	switch v := it.Value.(type) {
	case *property.TextValue:
		return strconv.Quote(v.Value)
	case *property.NumberValue:
		s := property.FormatNumber(v.Value, v.Format)
		if v.Target != v.Value {
			s += " -> " + property.FormatNumber(v.Target, v.Format)
		}
		return s
	case *property.SwitchValue:
		if v.On {
			return "On"
		}
		return "Off"
	case *property.LightValue:
		return v.State.String()
	case *property.BlobValue:
		if v.URL != "" {
			return fmt.Sprintf("%s %d bytes at %s", v.Format, v.Size, v.URL)
		}
		return fmt.Sprintf("%s %d bytes", v.Format, v.Size)
	}
	return "?"
}

func summary(p *property.Property) string {
	values := make([]string, 0, len(p.Items))
	for i := range p.Items {
		values = append(values, p.Items[i].Name+"="+itemValue(&p.Items[i]))
	}
	return fmt.Sprintf("%s %s %s", p, p.State, strings.Join(values, " "))
}
