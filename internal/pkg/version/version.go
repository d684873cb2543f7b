package version

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

// set via -ldflags at build time
var (
	gitVersion = "v0.1.0"
	gitCommit  = "unknown"
	buildDate  = "unknown"
)

type Info struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Compiler   string `json:"compiler"`
	Platform   string `json:"platform"`
}

func Get() Info {
	return Info{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Compiler:   runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

type versionOptions struct {
	log    clog.PluggableLoggerInterface
	output string
}

// NewVersionCommand prints the client version info.
func NewVersionCommand(log clog.PluggableLoggerInterface) *cobra.Command {
	o := versionOptions{log: log}
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Output version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run()
		},
	}
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "One of 'json'.")
	return cmd
}

func (o *versionOptions) run() error {
	info := Get()
	switch o.output {
	case "":
		fmt.Printf("Client Version: %#v\n", info)
	case "json":
		marshalled, err := json.MarshalIndent(&info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(marshalled))
	default:
		return fmt.Errorf("invalid output format: %s", o.output)
	}
	return nil
}
