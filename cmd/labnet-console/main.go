package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/Jaobie-BN/labnet-test/config"
	"github.com/Jaobie-BN/labnet-test/pkg/client"
	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
)

const usage = "Commands: /join <lab> [user] [name], /connect <device> [port] [baud], /disconnect, /ports, /quit. Anything else is sent to the device."

var (
	errorText  = color.New(color.FgRed).SprintFunc()
	noticeText = color.New(color.FgGreen).SprintFunc()
	peopleText = color.New(color.FgYellow).SprintFunc()
)

// prompter reads one line at a time, with line editing on a terminal.
type prompter interface {
	Prompt(prompt string) (string, error)
	Close() error
}

type linePrompter struct{ state *liner.State }

func (p *linePrompter) Prompt(prompt string) (string, error) {
	line, err := p.state.Prompt(prompt)
	if err == nil && strings.TrimSpace(line) != "" {
		p.state.AppendHistory(line)
	}
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	return line, err
}

func (p *linePrompter) Close() error { return p.state.Close() }

type scanPrompter struct{ scanner *bufio.Scanner }

func (p *scanPrompter) Prompt(prompt string) (string, error) {
	fmt.Print(prompt)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.scanner.Text(), nil
}

func (p *scanPrompter) Close() error { return nil }

func newPrompter() prompter {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		state := liner.NewLiner()
		state.SetCtrlCAborts(true)
		return &linePrompter{state: state}
	}
	return &scanPrompter{scanner: bufio.NewScanner(os.Stdin)}
}

// console prints relay messages and tracks the attach spinner.
type console struct {
	mu      sync.Mutex
	spinner *spinner.Spinner
}

func (c *console) startAttach(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Connecting to " + deviceID + "..."
	s.Start()
	c.spinner = s
}

func (c *console) stopAttach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spinner != nil {
		c.spinner.Stop()
		c.spinner = nil
	}
}

func (c *console) print(msg protocol.Outbound) {
	switch msg.Type {
	case protocol.EventConnected:
		c.stopAttach()
		fmt.Println(noticeText("✓ " + msg.Data))
	case protocol.EventDisconnected:
		fmt.Println(noticeText("disconnected from " + msg.DeviceID))
	case protocol.EventOutput:
		fmt.Print(msg.Data)
	case protocol.EventError:
		c.stopAttach()
		fmt.Println(errorText("error: " + msg.Error))
	case protocol.EventPresenceUpdate:
		names := make([]string, 0, len(msg.Users))
		for _, u := range msg.Users {
			name := u.Username
			if u.DeviceID != nil {
				name += "@" + *u.DeviceID
			}
			names = append(names, name)
		}
		fmt.Println(peopleText("in lab: " + strings.Join(names, ", ")))
	case protocol.EventPorts:
		if len(msg.Ports) == 0 {
			fmt.Println("no serial ports on the relay host")
		}
		for _, p := range msg.Ports {
			fmt.Printf("  %s  %s %s\n", p.Path, p.Product, p.SerialNumber)
		}
	case protocol.EventPong:
	}
}

func main() {
	cfg, err := config.Load("config/config.yml")
	if err != nil {
		log.Printf("Failed to load config: %v", err)
	}

	defaultAddr := "localhost:3001"
	defaultPath := client.DefaultPath
	if cfg != nil {
		if cfg.Server.Addr != "" {
			if strings.HasPrefix(cfg.Server.Addr, ":") {
				defaultAddr = "localhost" + cfg.Server.Addr
			} else {
				defaultAddr = cfg.Server.Addr
			}
		}
		if cfg.Server.Path != "" {
			defaultPath = cfg.Server.Path
		}
	}

	server := flag.String("server", defaultAddr, "relay host:port")
	path := flag.String("path", defaultPath, "relay WebSocket path")
	lab := flag.String("lab", "", "lab to join on start")
	user := flag.String("user", os.Getenv("USER"), "user id")
	name := flag.String("name", os.Getenv("USER"), "display name")
	flag.Parse()

	c := client.New(*server)
	c.Path = *path
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = c.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	if err := c.Run(); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}

	out := &console{}
	go func() {
		for msg := range c.Messages() {
			out.print(msg)
		}
		out.stopAttach()
		fmt.Println(errorText("relay closed the connection"))
	}()

	if *lab != "" {
		if err := c.Join(*lab, *user, *name); err != nil {
			log.Printf("Join error: %v", err)
		}
	}

	fmt.Println(usage)
	p := newPrompter()
	defer func() { _ = p.Close() }()

	for {
		prompt := "> "
		if id := c.DeviceID(); id != "" {
			prompt = "[" + id + "] > "
		}
		raw, err := p.Prompt(prompt)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("Stdin error: %v", err)
			}
			break
		}

		if quit, err := handleLine(c, out, raw, *user, *name); quit {
			break
		} else if err != nil {
			fmt.Println(errorText(err.Error()))
		}
	}
	_ = c.Close()
}

func handleLine(c *client.Client, out *console, raw, user, name string) (bool, error) {
	line := strings.TrimSpace(raw)
	if !strings.HasPrefix(line, "/") {
		if line == "" && c.DeviceID() == "" {
			return false, nil
		}
		return false, c.Command(raw)
	}

	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/q", "/exit":
		return true, nil
	case "/join":
		if len(fields) < 2 || len(fields) > 4 {
			return false, fmt.Errorf("usage: /join <lab> [user] [name]")
		}
		if len(fields) > 2 {
			user = fields[2]
		}
		if len(fields) > 3 {
			name = fields[3]
		}
		return false, c.Join(fields[1], user, name)
	case "/connect":
		if len(fields) < 2 || len(fields) > 4 {
			return false, fmt.Errorf("usage: /connect <device> [port] [baud]")
		}
		port, baud := "", 0
		if len(fields) > 2 {
			port = fields[2]
		}
		if len(fields) > 3 {
			n, err := strconv.Atoi(fields[3])
			if err != nil || n <= 0 {
				return false, fmt.Errorf("invalid baud rate")
			}
			baud = n
		}
		out.startAttach(fields[1])
		return false, c.Attach(fields[1], port, baud)
	case "/disconnect":
		return false, c.Detach()
	case "/ports":
		return false, c.ListPorts()
	case "/help":
		fmt.Println(usage)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}
