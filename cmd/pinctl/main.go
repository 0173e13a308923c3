// Command pinctl drives the app lock against the on-device storage, for
// support engineers and test rigs.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alexflint/go-arg"

	"app-security/internal/config"
	"app-security/internal/factory"
	"app-security/internal/service"
	"app-security/internal/util"
)

type setupCmd struct {
	Biometric bool `arg:"--biometric" help:"enable biometric unlock"`
}

type validateCmd struct{}

type changeCmd struct{}

type removeCmd struct{}

type statusCmd struct{}

type biometricCmd struct {
	Enabled bool `arg:"positional,required" help:"true or false"`
}

type lockCmd struct{}

type reconcileCmd struct{}

type wipeCmd struct {
	Yes bool `arg:"--yes" help:"confirm deleting every credential on this device"`
}

type cliArgs struct {
	Config  string        `arg:"--config,-c,env:APPSEC_CONFIG" default:"appsec.yaml" help:"YAML config file"`
	Device  string        `arg:"--device,env:APPSEC_DEVICE_ID" help:"device id override"`
	Pin     string        `arg:"--pin,env:APPSEC_PIN" help:"PIN; read from stdin when empty"`
	NewPin  string        `arg:"--new-pin,env:APPSEC_NEW_PIN" help:"new PIN for change; read from stdin when empty"`
	Timeout time.Duration `arg:"--timeout" default:"30s" help:"overall operation timeout"`

	Setup     *setupCmd     `arg:"subcommand:setup" help:"set up a PIN and enable the lock"`
	Validate  *validateCmd  `arg:"subcommand:validate" help:"unlock with a PIN"`
	Change    *changeCmd    `arg:"subcommand:change" help:"change the PIN"`
	Remove    *removeCmd    `arg:"subcommand:remove" help:"remove the PIN and disable the lock"`
	Status    *statusCmd    `arg:"subcommand:status" help:"show lock state"`
	Biometric *biometricCmd `arg:"subcommand:biometric" help:"enable or disable biometric unlock"`
	Lock      *lockCmd      `arg:"subcommand:lock" help:"end the session"`
	Reconcile *reconcileCmd `arg:"subcommand:reconcile" help:"replay operations the server has not seen"`
	Wipe      *wipeCmd      `arg:"subcommand:wipe" help:"delete all security state"`
}

func main() {
	var args cliArgs
	p := arg.MustParse(&args)
	if p.Subcommand() == nil {
		p.Fail("missing command")
	}

	cfg, err := config.LoadConfig(args.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pinctl:", err)
		os.Exit(2)
	}
	if args.Device != "" {
		cfg.Device.ID = args.Device
	}
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	f, err := factory.NewFactory(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pinctl:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), args.Timeout)
	code := run(ctx, f.SecurityCore(), &args, bufio.NewReader(os.Stdin), os.Stdout)
	cancel()
	f.Close()
	os.Exit(code)
}

// run executes the selected command and returns the process exit code.
func run(ctx context.Context, core *service.SecurityCore, args *cliArgs, in *bufio.Reader, out io.Writer) int {
	var (
		res  service.Result
		data interface{}
	)

	switch {
	case args.Setup != nil:
		pin, err := readPin(in, args.Pin, "PIN")
		if err != nil {
			return fail(out, err)
		}
		res = core.SetupPin(ctx, pin, args.Device, args.Setup.Biometric)
	case args.Validate != nil:
		pin, err := readPin(in, args.Pin, "PIN")
		if err != nil {
			return fail(out, err)
		}
		res = core.ValidatePin(ctx, pin, args.Device)
	case args.Change != nil:
		current, err := readPin(in, args.Pin, "current PIN")
		if err != nil {
			return fail(out, err)
		}
		next, err := readPin(in, args.NewPin, "new PIN")
		if err != nil {
			return fail(out, err)
		}
		res = core.ChangePin(ctx, args.Device, current, next)
	case args.Remove != nil:
		res = core.RemovePin(ctx, args.Device)
	case args.Status != nil:
		var status *service.Status
		status, res = core.Status(ctx)
		data = status
	case args.Biometric != nil:
		res = core.UpdateBiometricSettings(ctx, args.Device, args.Biometric.Enabled)
	case args.Lock != nil:
		res = core.Lock(ctx)
	case args.Reconcile != nil:
		res = core.Reconcile(ctx, args.Device)
	case args.Wipe != nil:
		if !args.Wipe.Yes {
			return fail(out, fmt.Errorf("refusing to wipe without --yes"))
		}
		res = core.Wipe(ctx)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(struct {
		service.Result
		Data interface{} `json:"data,omitempty"`
	}{res, data})

	if !res.Success {
		return 1
	}
	return 0
}

func readPin(in *bufio.Reader, given, label string) (string, error) {
	if given != "" {
		return given, nil
	}
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read %s: %w", label, err)
	}
	return strings.TrimSpace(line), nil
}

func fail(out io.Writer, err error) int {
	fmt.Fprintln(out, "pinctl:", err)
	return 2
}
