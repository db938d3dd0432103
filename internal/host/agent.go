package host

import (
	"bufio"
	"io"
	"log"
	"os/exec"
	"syscall"
	"time"
)

// agentStdio folds the agent's stdin and stdout pipes into one duplex
// stream for the RPC connection. Reads come from the agent's stdout,
// writes go to its stdin.
type agentStdio struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser
}

func (s *agentStdio) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *agentStdio) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *agentStdio) Close() error {
	err := s.stdin.Close()
	if cerr := s.stdout.Close(); err == nil {
		err = cerr
	}
	return err
}

// AgentProcess is a spawned coding-agent subprocess speaking ACP over its
// stdio. Its stderr is echoed into the host log line by line.
type AgentProcess struct {
	cmd   *exec.Cmd
	stdio *agentStdio
	done  chan struct{}
	err   error
}

// StartAgent spawns the agent executable in dir with the given arguments.
func StartAgent(command string, args []string, dir string) (*AgentProcess, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Printf("host: started agent %s (pid %d)", command, cmd.Process.Pid)

	p := &AgentProcess{
		cmd:   cmd,
		stdio: &agentStdio{stdout: stdout, stdin: stdin},
		done:  make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("agent: %s", scanner.Text())
		}
	}()
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Stdio returns the duplex ACP stream.
func (p *AgentProcess) Stdio() io.ReadWriteCloser {
	return p.stdio
}

// Done is closed when the agent process exits.
func (p *AgentProcess) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error after Done is closed.
func (p *AgentProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop asks the agent to exit with SIGTERM and escalates to SIGKILL after
// a grace period.
func (p *AgentProcess) Stop(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		log.Printf("host: agent did not exit within %s, killing", grace)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}
