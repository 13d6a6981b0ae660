package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"bizsync-p2p/internal/domain"
)

var (
	apiURL      string
	apiPassword string
	filter      string
	jsonOutput  bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices known to a running engine",
	Long: `Queries the control API of a running engine and prints the devices it
has discovered or paired with.

The operator password is taken from --password or BIZSYNC_PASSWORD.`,
	RunE: runDevices,
}

func init() {
	devicesCmd.Flags().StringVar(&apiURL, "server", "http://127.0.0.1:8080", "control API base URL")
	devicesCmd.Flags().StringVar(&apiPassword, "password", "", "operator password")
	devicesCmd.Flags().StringVar(&filter, "filter", "all", "paired, discovered or all")
	devicesCmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

type apiClient struct {
	base  string
	http  *http.Client
	token string
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control API unreachable: %w", err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("unexpected response (%d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s (%d)", method, path, env.Error, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func runDevices(cmd *cobra.Command, _ []string) error {
	password := apiPassword
	if password == "" {
		password = os.Getenv("BIZSYNC_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("operator password required (--password or BIZSYNC_PASSWORD)")
	}

	client := &apiClient{base: apiURL, http: &http.Client{Timeout: 15 * time.Second}}
	var login domain.LoginResponse
	if err := client.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Password: password}, &login); err != nil {
		return err
	}
	client.token = login.AccessToken

	var devices []domain.DeviceInfo
	if err := client.do(http.MethodGet, "/api/v1/devices?filter="+filter, nil, &devices); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(out, color.YellowString("No devices found"))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tTYPE\tSTATUS\tPAIRED\tTRANSPORTS\tLAST SEEN")
	for _, d := range devices {
		status := color.RedString("offline")
		if d.IsOnline {
			status = color.GreenString("online")
		}
		paired := "no"
		if d.IsPaired {
			paired = color.CyanString("yes")
		}
		lastSeen := "-"
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%s\n",
			d.DeviceID, d.Name, d.Type, status, paired, d.Transports, lastSeen)
	}
	return w.Flush()
}
