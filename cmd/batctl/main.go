// batctl is a small admin console for a running batcontrol instance. It
// speaks the same HTTP setter API the web clients use.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/batcontrol/batcontrol/pkg/common"
	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
)

// parameter endpoints addressable via `set <name> <value>`
var settableParams = []string{
	"chargeRate",
	"alwaysAllowDischargeLimit",
	"maxChargingFromGridLimit",
	"minPriceDifference",
	"minPriceDifferenceRel",
	"productionOffset",
	"limitPVChargeRate",
}

type console struct {
	baseURL string
	token   string
	client  *http.Client
	out     io.Writer
}

func main() {
	_ = godotenv.Load()

	baseURL := lflag.String("url", "http://localhost:8080", "base URL of the batcontrol HTTP API")
	token := lflag.String("token", "", "bearer token, required when the API has auth enabled")
	lflag.Configure()

	c := &console{
		baseURL: strings.TrimRight(*baseURL, "/"),
		token:   *token,
		client:  common.HTTPClient(common.LocalAPITimeout),
		out:     os.Stdout,
	}

	completer := readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("forecast"),
		readline.PcItem("params"),
		readline.PcItem("mode",
			readline.PcItem("-1"),
			readline.PcItem("0"),
			readline.PcItem("8"),
			readline.PcItem("10"),
		),
		readline.PcItem("blocked",
			readline.PcItem("true"),
			readline.PcItem("false"),
		),
		readline.PcItem("set", pcItems(settableParams)...),
		readline.PcItem("history"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "batctl> ",
		AutoComplete: completer,
		EOFPrompt:    "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize console: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			// Ctrl-C clears, Ctrl-D exits
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}
		if done := c.dispatch(strings.Fields(strings.TrimSpace(line))); done {
			return
		}
	}
}

func pcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, n := range names {
		items[i] = readline.PcItem(n)
	}
	return items
}

// dispatch runs one console command; it returns true when the console should
// exit.
func (c *console) dispatch(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "exit", "quit":
		return true
	case "help":
		c.printHelp()
	case "status":
		c.get("/api/status")
	case "forecast":
		c.get("/api/forecast")
	case "params":
		c.get("/api/parameters")
	case "mode":
		if len(args) != 2 {
			fmt.Fprintln(c.out, "usage: mode <-1|0|8|10>")
			return false
		}
		c.post("/api/mode", args[1], false)
	case "blocked":
		if len(args) != 2 {
			fmt.Fprintln(c.out, "usage: blocked <true|false>")
			return false
		}
		c.post("/api/dischargeBlocked", args[1], true)
	case "set":
		if len(args) != 3 {
			fmt.Fprintf(c.out, "usage: set <%s> <value>\n", strings.Join(settableParams, "|"))
			return false
		}
		c.post("/api/"+args[1], args[2], false)
	case "history":
		hours := 24
		if len(args) == 2 {
			h, err := strconv.Atoi(args[1])
			if err != nil || h < 1 {
				fmt.Fprintln(c.out, "usage: history [hours]")
				return false
			}
			hours = h
		}
		end := time.Now().UTC()
		start := end.Add(-time.Duration(hours) * time.Hour)
		c.get(fmt.Sprintf(
			"/api/history/decisions?start=%s&end=%s",
			start.Format(time.RFC3339), end.Format(time.RFC3339),
		))
	default:
		fmt.Fprintf(c.out, "unknown command %q, try help\n", args[0])
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `commands:
  status               current controller state
  forecast             forecast series from the last tick
  params               engine parameters
  mode <v>             one-tick mode override (-1 charge, 0 avoid, 8 limit pv, 10 allow)
  blocked <bool>       block or unblock discharging
  set <name> <value>   update an engine parameter
  history [hours]      decision history (default 24h)
  exit`)
}

func (c *console) get(path string) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	c.do(req)
}

// post sends a {"value": v} body. Booleans and numbers go unquoted.
func (c *console) post(path, value string, boolean bool) {
	var body string
	if boolean {
		v, err := strconv.ParseBool(value)
		if err != nil {
			fmt.Fprintf(c.out, "error: %q is not a boolean\n", value)
			return
		}
		body = fmt.Sprintf(`{"value": %t}`, v)
	} else {
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			fmt.Fprintf(c.out, "error: %q is not a number\n", value)
			return
		}
		body = fmt.Sprintf(`{"value": %s}`, value)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewBufferString(body))
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	c.do(req)
}

func (c *console) do(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(c.out, "%s: %s\n", resp.Status, strings.TrimSpace(string(raw)))
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Fprintln(c.out, strings.TrimSpace(string(raw)))
		return
	}
	fmt.Fprintln(c.out, pretty.String())
}
