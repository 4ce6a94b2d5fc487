package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cruciblehq/cruxpy/internal/paths"
	"github.com/cruciblehq/cruxpy/internal/protocol"
)

// Time allowed for a control command round trip.
const ctlTimeout = 10 * time.Second

// Represents the 'cruxpy ctl' command group.
type CtlCmd struct {
	Socket string `help:"Control socket of the supervisor. Defaults to the runtime directory." placeholder:"PATH"`

	Status   CtlStatusCmd   `cmd:"" help:"Show supervisor and worker state."`
	Reload   CtlReloadCmd   `cmd:"" help:"Recycle all workers."`
	Shutdown CtlShutdownCmd `cmd:"" help:"Stop the supervisor gracefully."`
}

// Sends a command to the supervisor's control socket.
func (c *CtlCmd) call(ctx context.Context, cmd protocol.Command) (*protocol.Envelope, []byte, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}

	socket := firstNonEmpty(c.Socket, settings.Socket, paths.Socket())

	ctx, cancel := context.WithTimeout(ctx, ctlTimeout)
	defer cancel()
	return protocol.Call(ctx, socket, cmd, nil)
}

// Represents the 'cruxpy ctl status' command.
type CtlStatusCmd struct{}

// Executes the status command.
func (c *CtlStatusCmd) Run(ctx context.Context) error {
	_, payload, err := RootCmd.Ctl.call(ctx, protocol.CmdStatus)
	if err != nil {
		return err
	}

	status, err := protocol.DecodePayload[protocol.StatusResult](payload)
	if err != nil {
		return err
	}

	fmt.Printf("pid %d, version %s, up %s, bind %s, reloads %d\n",
		status.Pid, status.Version, status.Uptime, status.Bind, status.Reloads)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tSERVED\tCEILING\tSTATE\tAGE")
	for _, w := range status.Workers {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
			w.ID, w.Pid, w.Served, ceiling(w.Ceiling), workerState(w), time.Since(w.Started).Truncate(time.Second))
	}
	return tw.Flush()
}

func ceiling(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func workerState(w protocol.WorkerStatus) string {
	switch {
	case !w.Ready:
		return "booting"
	case w.Busy:
		return "busy"
	default:
		return "idle"
	}
}

// Represents the 'cruxpy ctl reload' command.
type CtlReloadCmd struct{}

// Executes the reload command.
func (c *CtlReloadCmd) Run(ctx context.Context) error {
	if _, _, err := RootCmd.Ctl.call(ctx, protocol.CmdReload); err != nil {
		return err
	}
	fmt.Println("workers reloading")
	return nil
}

// Represents the 'cruxpy ctl shutdown' command.
type CtlShutdownCmd struct{}

// Executes the shutdown command.
func (c *CtlShutdownCmd) Run(ctx context.Context) error {
	if _, _, err := RootCmd.Ctl.call(ctx, protocol.CmdShutdown); err != nil {
		return err
	}
	fmt.Println("supervisor stopping")
	return nil
}
