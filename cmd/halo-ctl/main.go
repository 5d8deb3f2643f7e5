package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	cli "github.com/spf13/pflag"

	"halo/internal/ipc"
)

func main() {
	socket := cli.StringP("socket", "s", ipc.SocketPath, "Daemon control socket")
	asJSON := cli.BoolP("json", "j", false, "Print the raw reply")
	cli.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: halo-ctl [flags] toggle|status|alerts|clear|reselect\n")
		cli.PrintDefaults()
	}
	cli.Parse()

	cmd := ipc.CmdToggle
	if cli.NArg() > 0 {
		cmd = strings.ToLower(cli.Arg(0))
	}

	reply, err := ipc.SendCommand(*socket, cmd)
	if err != nil {
		fmt.Println("halo-daemon:", err)
		os.Exit(1)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(reply, "", "  ")
		fmt.Println(string(out))
		return
	}

	switch {
	case reply.Status != nil:
		st := reply.Status
		fmt.Printf("state:   %s\n", st.StateName)
		fmt.Printf("status:  %s\n", st.Message)
		fmt.Printf("model:   %s\n", orDash(st.Model))
		fmt.Printf("alerts:  %d\n", st.Alerts)
		if st.LastVerdict != nil {
			v := st.LastVerdict
			fmt.Printf("verdict: danger=%t confidence=%.2f %s\n", v.Danger, v.Confidence, v.Reasoning)
		}
	case cmd == ipc.CmdAlerts:
		if len(reply.Alerts) == 0 {
			fmt.Println("no alerts")
			return
		}
		for _, a := range reply.Alerts {
			mark := "safe  "
			if a.Result.Danger {
				mark = "DANGER"
			}
			fmt.Printf("%s  %s  %.2f  %q\n", a.Timestamp.Format("15:04:05"), mark, a.Result.Confidence, a.Transcript)
			fmt.Printf("          %s\n", a.Result.Reasoning)
		}
	default:
		fmt.Println("ok")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
