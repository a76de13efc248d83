package discovery

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Transport drives one interactive command-line session with a device.
// SSHTransport is the production implementation; FakeTransport (in
// session_test.go) is the test double used throughout this package's unit
// tests.
type Transport interface {
	// Connect opens the session against host (a hostname or IP) using the
	// given device-type key, which selects the prompt regex and any
	// dialect-specific framing this transport needs.
	Connect(host, deviceTypeKey string) error
	// SetDeviceType reconfigures an already-connected transport's prompt
	// matching, e.g. after "show version" reveals the real platform.
	SetDeviceType(deviceTypeKey string)
	// SendCommand issues a single command and returns its output with the
	// echoed command and trailing prompt stripped.
	SendCommand(cmd string) (string, error)
	// Disconnect tears down the session. Always safe to call, including on
	// a transport that never successfully connected.
	Disconnect()
}

// promptRe detects the end of command output. All three Cisco dialects
// this module speaks use the same "hostname(config...)?[#>]" family of
// prompts, so promptFor returns this one regex whatever the device-type key.
var promptRe = regexp.MustCompile(`(?m)[\r\n]?\S+[#>]\s*$`)

func promptFor(string) *regexp.Regexp { return promptRe }

// SSHTransport drives an interactive device CLI over SSH: it requests a
// PTY, sends one command at a time, and reads until the device's prompt
// reappears — the Go equivalent of netmiko's ConnectHandler/send_command,
// built on golang.org/x/crypto/ssh and driving an interactive shell rather
// than forwarding a TCP port.
type SSHTransport struct {
	username string
	password string
	timeout  time.Duration

	client  *ssh.Client
	session *ssh.Session
	stdin   interface{ Write([]byte) (int, error) }
	stdout  *bytes.Buffer
	prompt  *regexp.Regexp
}

// NewSSHTransport returns a transport that authenticates with username and
// password and aborts any single I/O operation after timeout.
func NewSSHTransport(username, password string, timeout time.Duration) *SSHTransport {
	return &SSHTransport{username: username, password: password, timeout: timeout}
}

func (s *SSHTransport) Connect(host, deviceTypeKey string) error {
	config := &ssh.ClientConfig{
		User: s.username,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.password),
		},
		// Device credentials are operator-supplied for a one-off inventory
		// pass, not a managed fleet with pinned host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.timeout,
	}

	addr := fmt.Sprintf("%s:22", host)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO: 0,
	}
	if err := session.RequestPty("vt100", 200, 512, modes); err != nil {
		session.Close()
		client.Close()
		return err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return err
	}
	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return err
	}

	s.client = client
	s.session = session
	s.stdin = stdin
	s.stdout = &out
	s.prompt = promptFor(deviceTypeKey)

	// Drain the login banner / initial prompt before the first command.
	s.readUntilPrompt(0)

	return nil
}

func (s *SSHTransport) SetDeviceType(deviceTypeKey string) {
	s.prompt = promptFor(deviceTypeKey)
}

func (s *SSHTransport) SendCommand(cmd string) (string, error) {
	if s.stdin == nil {
		return "", fmt.Errorf("transport not connected")
	}
	start := s.stdout.Len()
	if _, err := s.stdin.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}
	output := s.readUntilPrompt(start)
	if start <= len(output) {
		output = output[start:]
	}
	return stripEcho(output, cmd), nil
}

// readUntilPrompt polls the session's accumulated output until the prompt
// regex matches in the output past offset from, or the transport's timeout
// elapses.
func (s *SSHTransport) readUntilPrompt(from int) string {
	deadline := time.Now().Add(s.timeout)
	for time.Now().Before(deadline) {
		out := s.stdout.String()
		if from <= len(out) && s.prompt.MatchString(out[from:]) {
			return out
		}
		time.Sleep(50 * time.Millisecond)
	}
	return s.stdout.String()
}

func (s *SSHTransport) Disconnect() {
	if s.session != nil {
		s.session.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// stripEcho removes the echoed command line and the trailing prompt line
// from raw session output, leaving just the command's result.
func stripEcho(output, cmd string) string {
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == cmd || trimmed == "" || promptRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
