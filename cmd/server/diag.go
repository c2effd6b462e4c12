package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/lucianogavaz/webapp/internal/config"
	"github.com/lucianogavaz/webapp/internal/orthanc"
)

var errDiagFailed = errors.New("orthanc diagnostics failed")

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Check connectivity and credentials against Orthanc",
	Long: `Calls GET /system on the configured Orthanc with the configured credentials
and reports whether the server is reachable and the credentials are accepted.

Example:
  server diag
  server diag --config ./config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogging(cfg.Debug)
		return runDiag(cmd.Context(), newOrthancClient(cfg), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(diagCmd)
}

type systemChecker interface {
	SystemInfo(ctx context.Context) (*orthanc.SystemInfo, error)
}

// runDiag prints a human readable verdict and returns errDiagFailed on any failure.
func runDiag(ctx context.Context, pacs systemChecker, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	info, err := pacs.SystemInfo(ctx)
	if err == nil {
		fmt.Fprintf(out, "OK: connected to %s %s (AET %s, API v%d)\n", orDash(info.Name), orDash(info.Version), orDash(info.DicomAet), info.ApiVersion)
		return nil
	}

	var se *orthanc.StatusError
	switch {
	case errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized:
		fmt.Fprintln(out, "FAIL: Orthanc rejected the credentials (401).")
		fmt.Fprintln(out, "  Check ORTHANC_USERNAME and ORTHANC_PASSWORD against the RegisteredUsers of the Orthanc configuration.")
	case errors.As(err, &se):
		fmt.Fprintf(out, "FAIL: unexpected status %d from Orthanc.\n", se.StatusCode)
		if se.Body != "" {
			fmt.Fprintf(out, "  Response: %s\n", se.Body)
		}
	default:
		fmt.Fprintf(out, "FAIL: could not connect to Orthanc: %v\n", err)
		fmt.Fprintln(out, "  Check that Orthanc is running and that ORTHANC_URL points at its HTTP port (8042 by default).")
		fmt.Fprintln(out, "  When running in containers, use the service name instead of localhost.")
	}
	return errDiagFailed
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
