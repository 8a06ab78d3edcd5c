// Command notti sets the color of a notti BLE light.
//
// Usage:
//
//	notti [--config PATH] [--device ID] [--timeout D] [-v] <rrggbb>
//	notti scan [--duration D]
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/nottictl/internal/ble"
	"github.com/chaz8081/nottictl/internal/ble/protocol"
	"github.com/chaz8081/nottictl/internal/config"
	"github.com/chaz8081/nottictl/internal/session"
)

// exitConfig is returned for unusable configuration; pipeline failures use
// exitCode.
const exitConfig = 2

func main() {
	app := cli.NewApp()
	app.Name = "notti"
	app.Usage = "set the color of a notti BLE light"
	app.ArgsUsage = "<rrggbb>"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/notti/config.yaml)"},
		cli.StringFlag{Name: "device, d", Usage: "peripheral identifier, overrides peripheral_id"},
		cli.DurationFlag{Name: "timeout, t", Usage: "bound for each BLE step, overrides timeout"},
		cli.BoolFlag{Name: "verbose, v", Usage: "log every BLE event and step"},
	}
	app.Action = setColor
	app.Commands = []cli.Command{
		{
			Name:  "scan",
			Usage: "list nearby lights advertising the color service",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration", Value: 5 * time.Second, Usage: "how long to scan"},
			},
			Action: scan,
		},
	}

	if err := app.Run(hoistFlags(os.Args)); err != nil {
		log.Fatal(err)
	}
}

// setColor runs the full write sequence for the color argument.
func setColor(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfig)
	}
	verbose := c.GlobalBool("verbose")
	slog.Debug("arguments", "args", []string(c.Args()))

	arg := c.Args().First()
	color, ok := protocol.ParseColor(arg)
	if !ok && arg != "" {
		slog.Warn("color is not hexadecimal, writing black", "color", arg)
	}
	payload := color.Payload()
	slog.Debug("created payload", "color", color.String(), "bytes", fmt.Sprintf("% x", payload))

	client, closeStack, err := openClient(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfig)
	}
	defer closeStack()

	res, err := session.NewDriver(client).Run(payload)
	if err != nil {
		return failure(err, verbose)
	}

	if verbose {
		fmt.Printf("Success. {peripheral: %s, color: %s}\n", res.Peripheral.ID(), color)
	} else {
		fmt.Println("Success.")
	}
	return nil
}

// scan lists peripherals advertising the configured service.
func scan(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfig)
	}

	client, closeStack, err := openClient(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfig)
	}
	defer closeStack()

	if !client.AwaitPoweredOn() {
		return cli.NewExitError("Failed to power on.", exitCode(session.PowerOff))
	}

	duration := c.Duration("duration")
	fmt.Printf("Scanning for %s...\n", duration)
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	devices, err := client.ScanForDevices(ctx)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if len(devices) == 0 {
		fmt.Println("No lights found.")
		return nil
	}
	target := client.Options().PeripheralID
	for _, d := range devices {
		mark := " "
		if ble.SameID(d.ID, target) {
			mark = "*"
		}
		fmt.Printf("%s %-36s %4d dBm  %s\n", mark, d.ID, d.RSSI, d.Name)
	}
	return nil
}

// setup loads the config, applies flag overrides and installs the logger.
func setup(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if id := c.GlobalString("device"); id != "" {
		cfg.PeripheralID = id
	}
	if d := c.GlobalDuration("timeout"); d > 0 {
		cfg.Timeout = d
	}
	if c.GlobalBool("verbose") {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	if msg := cfg.PeripheralIDWarning(runtime.GOOS); msg != "" {
		slog.Warn(msg)
	}
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// openClient starts the platform stack and wraps it in a Client. The
// returned func stops the stack.
func openClient(cfg *config.Config) (*ble.Client, func(), error) {
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	stack := ble.NewTinygoStack(ble.TinygoOptions{AdapterID: cfg.Adapter})
	stack.Start(ctx)
	client := ble.NewClient(stack, opts)

	return client, func() {
		if err := stack.Close(); err != nil {
			slog.Warn("closing BLE stack", "error", err)
		}
		stop()
	}, nil
}

// failure turns a pipeline error into the user-facing message and exit code.
func failure(err error, verbose bool) error {
	var stepErr *session.StepError
	if !errors.As(err, &stepErr) {
		return cli.NewExitError(err.Error(), 1)
	}
	return cli.NewExitError(failureMessage(stepErr, verbose), exitCode(stepErr.Failure))
}

func failureMessage(stepErr *session.StepError, verbose bool) string {
	msg := fmt.Sprintf("Failed to %s.", stepErr.Failure.Action())
	if !verbose {
		return msg
	}
	if stepErr.Object != "" {
		msg += fmt.Sprintf(" {object: %s, cause: %v}", stepErr.Object, errors.Cause(stepErr))
	} else {
		msg += fmt.Sprintf(" {cause: %v}", errors.Cause(stepErr))
	}
	return msg
}

// exitCode gives every failing step its own status, starting at 10.
func exitCode(f session.Failure) int {
	return 9 + int(f)
}

// Global flags, by whether they take a value.
var (
	boolFlags  = map[string]bool{"-v": true, "--verbose": true}
	valueFlags = map[string]bool{
		"-c": true, "--config": true,
		"-d": true, "--device": true,
		"-t": true, "--timeout": true,
	}
)

// hoistFlags moves global flags given after the color argument, with their
// values, in front of it. urfave/cli stops parsing flags at the first
// positional argument, so without this "notti ff0000 --device X" would drop
// the device.
func hoistFlags(args []string) []string {
	if len(args) < 2 {
		return args
	}
	flags := []string{args[0]}
	var rest []string
	for i := 1; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			rest = append(rest, args[i:]...)
			break
		}
		name, _, inline := strings.Cut(a, "=")
		switch {
		case boolFlags[name]:
			flags = append(flags, a)
		case valueFlags[name] && inline:
			flags = append(flags, a)
		case valueFlags[name] && i+1 < len(args):
			flags = append(flags, a, args[i+1])
			i++
		default:
			rest = append(rest, a)
		}
	}
	return append(flags, rest...)
}
