package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/danmuck/serialsync/internal/link"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

// controller is the part of *link.Link the shell drives.
type controller interface {
	Config() session.Config
	Connect(ctx context.Context, endpoint string) error
	Disconnect() error
	Status() link.Status
	SendShort(ctx context.Context, data []byte) error
	SendChunked(ctx context.Context, data []byte, opts link.SendOptions) (link.TransferReport, error)
	SendFilePath(ctx context.Context, path string, opts link.FileOptions) (link.TransferReport, error)
}

var _ controller = (*link.Link)(nil)

var autoSpeedSizes = []int{128, 256, 512, 1024, 2048, 4096}

const rejectReason = "rejected by user"

var errUsage = errors.New("usage")

type shell struct {
	ctrl        controller
	listPorts   func() ([]link.PortInfo, error)
	watchSettle time.Duration

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	pending []*link.IncomingFile
	watch   *dirWatch

	saving sync.WaitGroup
}

func newShell(out io.Writer) *shell {
	return &shell{
		out:         out,
		listPorts:   link.ListPorts,
		watchSettle: 500 * time.Millisecond,
	}
}

func (s *shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) println(format string, args ...any) {
	s.printf(format+"\n", args...)
}

// handlers returns link callbacks that print to the shell and queue file
// requests for a y/n answer.
func (s *shell) handlers() link.Handlers {
	return link.Handlers{
		OnConnected: func(endpoint string) {
			s.println("connected: %s", endpoint)
		},
		OnDisconnected: func(err error) {
			if err != nil {
				s.println("disconnected: %v", err)
				return
			}
			s.println("disconnected")
		},
		OnError: func(err error) {
			s.println("! %v", err)
		},
		OnMessage: func(payload []byte) {
			s.println("< %s", payload)
		},
		OnProgress: func(p link.Progress) {
			s.printf("\r[%s] %5.1f%% (%d/%d) %s lost=%d retries=%d",
				p.Direction, p.Percent, p.Seq+1, p.Total, formatSpeed(p.Speed), p.LostBlocks, p.TotalRetries)
			if p.Done {
				s.printf("\n")
			}
		},
		OnFileRequest: s.fileRequest,
		OnFileReceived: func(f link.ReceivedFile) {
			if f.Bare || f.Destination == "" {
				s.println("< received %s in %s", formatSize(int64(len(f.Data))), f.Elapsed.Round(time.Millisecond))
				return
			}
			s.saving.Add(1)
			go func() {
				defer s.saving.Done()
				path, err := link.SaveReceived(f)
				if err != nil {
					s.println("! save %s: %v", f.Meta.Name, err)
					return
				}
				s.println("< saved %s (%s) to %s", f.Meta.Name, formatSize(int64(len(f.Data))), path)
			}()
		},
	}
}

func (s *shell) fileRequest(f *link.IncomingFile) {
	s.println("file request: %s (%s) session=%d", f.Meta.Name, formatSize(f.Meta.Size), f.SessionID)
	if f.Decided() {
		if f.Accepted() {
			s.println("accepted, saving to %s", f.Destination())
		}
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, f)
	s.mu.Unlock()
	s.println("accept %s? [y/n]", f.Meta.Name)
}

// answer decides the oldest waiting request. It reports false when nothing
// is waiting.
func (s *shell) answer(accept bool) (bool, error) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	if accept {
		if err := f.Accept(""); err != nil {
			return true, err
		}
		s.println("accepted %s, saving to %s", f.Meta.Name, f.Destination())
		return true, nil
	}
	if err := f.Reject(rejectReason); err != nil {
		return true, err
	}
	s.println("rejected %s", f.Meta.Name)
	return true, nil
}

// Run reads commands from in until quit, EOF or ctx is cancelled.
func (s *shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()
	defer s.stopWatch()

	s.prompt()
	for {
		select {
		case <-ctx.Done():
			s.printf("\n")
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			quit, err := s.exec(ctx, line)
			if err != nil {
				s.println("error: %v", err)
			}
			if quit {
				return nil
			}
			s.prompt()
		}
	}
}

func (s *shell) prompt() {
	endpoint := "disconnected"
	if st := s.ctrl.Status(); st.Connected {
		endpoint = st.Endpoint
	}
	s.printf("[%s] > ", endpoint)
}

func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "y", "yes", "n", "no":
		handled, err := s.answer(cmd == "y" || cmd == "yes")
		if !handled {
			s.println("no pending file request")
		}
		return false, err
	case "list":
		return false, s.list()
	case "connect":
		return false, s.ctrl.Connect(ctx, rest)
	case "disconnect":
		return false, s.ctrl.Disconnect()
	case "send":
		if rest == "" {
			return false, fmt.Errorf("%w: send <text>", errUsage)
		}
		if err := s.ctrl.SendShort(ctx, []byte(rest)); err != nil {
			return false, err
		}
		s.println("sent %d bytes", len(rest))
		return false, nil
	case "sendlarge":
		if rest == "" {
			return false, fmt.Errorf("%w: sendlarge <text>", errUsage)
		}
		report, err := s.ctrl.SendChunked(ctx, []byte(rest), link.SendOptions{})
		if err != nil {
			return false, err
		}
		s.printReport(report)
		return false, nil
	case "sendfile", "sendfile-confirm":
		if rest == "" {
			return false, fmt.Errorf("%w: %s <path>", errUsage, cmd)
		}
		report, err := s.ctrl.SendFilePath(ctx, rest, link.FileOptions{RequireConfirm: cmd == "sendfile-confirm"})
		if err != nil {
			return false, err
		}
		s.printReport(report)
		return false, nil
	case "autospeed":
		if rest == "" {
			return false, fmt.Errorf("%w: autospeed <path>", errUsage)
		}
		return false, s.autoSpeed(ctx, rest)
	case "watch":
		return false, s.startWatch(ctx, rest)
	case "unwatch":
		if !s.stopWatch() {
			s.println("not watching")
		}
		return false, nil
	case "status":
		s.status()
		return false, nil
	case "help":
		s.help()
		return false, nil
	case "quit", "exit":
		_ = s.ctrl.Disconnect()
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (s *shell) list() error {
	ports, err := s.listPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		s.println("no serial ports found")
		return nil
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tPRODUCT")
	for _, p := range ports {
		ids := ""
		if p.IsUSB {
			ids = p.VID + ":" + p.PID
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Name, p.IsUSB, ids, p.Product)
	}
	return tw.Flush()
}

func (s *shell) printReport(r link.TransferReport) {
	s.println("done: %s in %d chunks, %s, %s, lost=%d retries=%d",
		formatSize(int64(r.Bytes)), r.Total, r.Elapsed.Round(time.Millisecond), formatSpeed(r.Speed()), r.LostBlocks, r.TotalRetries)
}

type speedRow struct {
	chunkSize int
	report    link.TransferReport
	err       error
}

// autoSpeed sends path once per chunk size and prints a comparison table.
func (s *shell) autoSpeed(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !s.ctrl.Status().Connected {
		return link.ErrTransportNotOpen
	}
	cfg := s.ctrl.Config()
	s.println("autospeed %s (%s): ack_timeout=%s retry_attempts=%d compression=%t",
		filepath.Base(path), formatSize(info.Size()), cfg.AckTimeout, cfg.RetryAttempts, cfg.Compression)

	rows := make([]speedRow, 0, len(autoSpeedSizes))
	for _, size := range autoSpeedSizes {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := s.ctrl.SendFilePath(ctx, path, link.FileOptions{ChunkSize: size})
		rows = append(rows, speedRow{chunkSize: size, report: report, err: err})
	}
	s.printSpeedTable(rows)
	return nil
}

func (s *shell) printSpeedTable(rows []speedRow) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tCHUNKS\tTIME\tSPEED\tLOST\tRETRIES\tRESULT")
	for _, r := range rows {
		if r.err != nil {
			fmt.Fprintf(tw, "%d\t-\t-\t-\t-\t-\t%v\n", r.chunkSize, r.err)
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%d\tok\n",
			r.chunkSize, r.report.Total, r.report.Elapsed.Round(time.Millisecond),
			formatSpeed(r.report.Speed()), r.report.LostBlocks, r.report.TotalRetries)
	}
	_ = tw.Flush()
}

func (s *shell) startWatch(ctx context.Context, dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: watch <dir>", errUsage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watch != nil {
		return fmt.Errorf("already watching %s", s.watch.dir)
	}
	send := func(ctx context.Context, path string) error {
		report, err := s.ctrl.SendFilePath(ctx, path, link.FileOptions{})
		if err == nil {
			s.printReport(report)
		}
		return err
	}
	w, err := startWatch(ctx, dir, s.watchSettle, send, s.println)
	if err != nil {
		return err
	}
	s.watch = w
	s.println("watching %s", dir)
	return nil
}

func (s *shell) stopWatch() bool {
	s.mu.Lock()
	w := s.watch
	s.watch = nil
	s.mu.Unlock()
	if w == nil {
		return false
	}
	w.Stop()
	s.println("stopped watching %s", w.dir)
	return true
}

func (s *shell) status() {
	st := s.ctrl.Status()
	s.println("state:      %s", st.State)
	s.println("port:       %s", st.Endpoint)
	if !st.LastActive.IsZero() {
		s.println("last active: %s", st.LastActive.Format(time.DateTime))
	}
	if st.CurrentTask != "" {
		s.println("task:       %s", st.CurrentTask)
	}
	if st.Speed > 0 {
		s.println("speed:      %s", formatSpeed(st.Speed))
	}
	if st.ReconnectAttempts > 0 {
		s.println("reconnect:  %d/%d", st.ReconnectAttempts, st.MaxReconnectAttempts)
	}
	s.println("sessions:   out=%v in=%d pending=%d", st.ActiveOutbound, st.InboundSessions, st.PendingRequests)
}

func (s *shell) help() {
	s.println(`commands:
  list                      list serial ports
  connect [port]            connect (configured port when omitted)
  disconnect                close the port
  send <text>               send a short message
  sendlarge <text>          send text as a chunked transfer
  sendfile <path>           send a file, receiver may auto-accept
  sendfile-confirm <path>   send a file the receiver must confirm
  autospeed <path>          send a file at several chunk sizes and compare
  watch <dir>               send every new file in dir
  unwatch                   stop watching
  status                    show link status
  y / n                     answer the oldest file request
  help                      show this help
  quit                      disconnect and exit`)
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatSpeed(bps float64) string {
	switch {
	case bps >= 1<<20:
		return fmt.Sprintf("%.2f MB/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.2f KB/s", bps/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}
