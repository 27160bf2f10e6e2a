package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/hcclrt/internal/admin"
	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/diagstore"
)

const defaultAdminEndpoint = "http://127.0.0.1:9501"

// AdminClient queries a coordinator's admin API.
type AdminClient struct {
	http     *http.Client
	endpoint string
}

// NewAdminClient creates a client for endpoint. An empty endpoint falls back
// to HCCL_ADMIN_ENDPOINT and then to the local default.
func NewAdminClient(endpoint string) *AdminClient {
	if endpoint == "" {
		endpoint = os.Getenv("HCCL_ADMIN_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = defaultAdminEndpoint
	}

	return &AdminClient{
		http:     &http.Client{Timeout: 10 * time.Second},
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

func (c *AdminClient) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach coordinator: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, body.Error)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

// Sessions lists every bootstrap session.
func (c *AdminClient) Sessions(ctx context.Context) ([]bootstrap.SessionInfo, error) {
	var out []bootstrap.SessionInfo
	return out, c.get(ctx, "/sessions", nil, &out)
}

// Session returns one bootstrap session.
func (c *AdminClient) Session(ctx context.Context, key string) (bootstrap.SessionInfo, error) {
	var out bootstrap.SessionInfo
	return out, c.get(ctx, "/sessions/"+url.PathEscape(key), nil, &out)
}

// CollectiveLog returns the pending collective-log entries per communicator.
func (c *AdminClient) CollectiveLog(ctx context.Context) (map[string]admin.CollectiveLogStatus, error) {
	var out map[string]admin.CollectiveLogStatus
	return out, c.get(ctx, "/collective-log", nil, &out)
}

// Drifts returns stored drift warnings, optionally of one communicator.
func (c *AdminClient) Drifts(ctx context.Context, comm string) ([]diagstore.DriftRecord, error) {
	q := url.Values{}
	if comm != "" {
		q.Set("comm", comm)
	}

	var out []diagstore.DriftRecord
	return out, c.get(ctx, "/diagnostics/drift", q, &out)
}

// NewSessionsCmd creates the sessions command.
func NewSessionsCmd() *cobra.Command {
	var endpoint, output string

	cmd := &cobra.Command{
		Use:   "sessions [comm-id]",
		Short: "List bootstrap sessions of a coordinator",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAdminClient(endpoint)
			out := cmd.OutOrStdout()

			var infos []bootstrap.SessionInfo
			if len(args) == 1 {
				info, err := client.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				infos = append(infos, info)
			} else {
				var err error
				if infos, err = client.Sessions(cmd.Context()); err != nil {
					return err
				}
			}

			if output != "table" {
				return writeStructured(out, output, infos)
			}

			if len(infos) == 0 {
				_, _ = fmt.Fprintln(out, "No sessions")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "COMM\tSTATE\tSIZE\tCONNECTED\tBARRIERS\tUPDATED\tERROR")

			for _, si := range infos {
				errMsg := si.Error
				if errMsg == "" {
					errMsg = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					si.Key, si.State, si.CommSize, si.Connected, si.Barriers,
					si.Updated.Format(time.RFC3339), errMsg)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Coordinator admin endpoint (default "+defaultAdminEndpoint+")")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	return cmd
}

// NewCollectiveLogCmd creates the collective-log command.
func NewCollectiveLogCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "collective-log",
		Short: "Show collectives and send/receives not yet called by every rank",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := NewAdminClient(endpoint).CollectiveLog(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "COMM\tKIND\tSIGNATURE\tPENDING")

			for comm, status := range logs {
				for _, pc := range status.Collectives {
					_, _ = fmt.Fprintf(w, "%s\tcollective\t%s\tmissing %v\n", comm, pc.Signature, pc.Missing)
				}
				for _, sr := range status.SendRecv {
					_, _ = fmt.Fprintf(w, "%s\tsendrecv\t%s\tsends=%d recvs=%d\n", comm, sr.Signature, sr.Sends, sr.Recvs)
				}
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Coordinator admin endpoint")

	return cmd
}

// NewDriftCmd creates the drift command.
func NewDriftCmd() *cobra.Command {
	var endpoint, comm, output string

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Show stored collective drift warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := NewAdminClient(endpoint).Drifts(cmd.Context(), comm)
			if err != nil {
				return err
			}

			if output != "table" {
				return writeStructured(cmd.OutOrStdout(), output, recs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "AT\tCOMM\tKIND\tDRIFT\tSIGNATURE")

			for _, r := range recs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.At.Format(time.RFC3339), r.Comm, r.Kind, r.Drift, r.Signature)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Coordinator admin endpoint")
	cmd.Flags().StringVar(&comm, "comm", "", "Only warnings of this communicator")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	return cmd
}

func writeStructured(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
