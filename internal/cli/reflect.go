package cli

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bufbuild/connect-go"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"

	"github.com/refinery-agent/refinery/internal/rpc"
	"github.com/refinery-agent/refinery/internal/rpc/connectjson"
	reflectrpc "github.com/refinery-agent/refinery/internal/rpc/reflect"
)

// NewReflectCmd wires the reflect command to stream events from the daemon.
func NewReflectCmd(opts *Options) *cobra.Command {
	var requestFile string
	var answer string
	var answerFile string
	var sourcesFile string
	var detectorModel string
	var criticModel string
	var refinerModel string
	var rawJSON bool

	cmd := &cobra.Command{
		Use:   "reflect [\"<query>\"]",
		Short: "Send a draft answer to the daemon and stream reflection events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			reqBody, err := buildRequest(args, requestFile, answer, answerFile, sourcesFile)
			if err != nil {
				return err
			}
			reqBody.DetectorModel = firstNonEmpty(detectorModel, reqBody.DetectorModel)
			reqBody.CriticModel = firstNonEmpty(criticModel, reqBody.CriticModel)
			reqBody.RefinerModel = firstNonEmpty(refinerModel, reqBody.RefinerModel)

			if reqBody.SessionID == "" {
				reqBody.SessionID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
			}
			if reqBody.CorrelationID == "" {
				reqBody.CorrelationID = fmt.Sprintf("%s-%d", reqBody.SessionID, time.Now().UnixNano())
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			baseURL := daemonURL(cfg.Server.Addr)
			switch strings.ToLower(strings.TrimSpace(cfg.Server.Transport)) {
			case "ndjson":
				return reflectNDJSON(ctx, cmd, baseURL+"/reflect/run", reqBody, rawJSON)
			default:
				return reflectConnect(ctx, cmd, baseURL+reflectrpc.ConnectReflectProcedure, reqBody, rawJSON)
			}
		},
	}

	cmd.Flags().StringVar(&requestFile, "request", "", "Path to a JSON file with the full reflect request (query, answer, sources, claims)")
	cmd.Flags().StringVar(&answer, "answer", "", "Draft answer text to refine")
	cmd.Flags().StringVar(&answerFile, "answer-file", "", "Path to a file containing the draft answer")
	cmd.Flags().StringVar(&sourcesFile, "sources", "", "Path to a JSON file with the source list")
	cmd.Flags().StringVar(&detectorModel, "detector-model", "", "Override detector model id for this run")
	cmd.Flags().StringVar(&criticModel, "critic-model", "", "Override critic model id for this run")
	cmd.Flags().StringVar(&refinerModel, "refiner-model", "", "Override refiner model id for this run")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "Print the full result as JSON instead of a summary")
	return cmd
}

func buildRequest(args []string, requestFile, answer, answerFile, sourcesFile string) (rpc.ReflectRequest, error) {
	var req rpc.ReflectRequest

	if requestFile != "" {
		data, err := os.ReadFile(requestFile)
		if err != nil {
			return req, fmt.Errorf("read request file: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse request file: %w", err)
		}
	}

	if len(args) == 1 {
		req.Query = args[0]
	}
	if answerFile != "" {
		data, err := os.ReadFile(answerFile)
		if err != nil {
			return req, fmt.Errorf("read answer file: %w", err)
		}
		req.Answer = string(data)
	}
	if answer != "" {
		req.Answer = answer
	}
	if sourcesFile != "" {
		data, err := os.ReadFile(sourcesFile)
		if err != nil {
			return req, fmt.Errorf("read sources file: %w", err)
		}
		if err := json.Unmarshal(data, &req.Sources); err != nil {
			return req, fmt.Errorf("parse sources file: %w", err)
		}
	}

	if strings.TrimSpace(req.Query) == "" {
		return req, fmt.Errorf("query cannot be empty")
	}
	if strings.TrimSpace(req.Answer) == "" {
		return req, fmt.Errorf("answer cannot be empty (use --answer, --answer-file, or --request)")
	}
	return req, nil
}

func daemonURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func reflectNDJSON(ctx context.Context, cmd *cobra.Command, url string, reqBody rpc.ReflectRequest, rawJSON bool) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var evt rpc.ReflectEvent
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := renderEvent(cmd, evt, rawJSON); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func reflectConnect(ctx context.Context, cmd *cobra.Command, url string, reqBody rpc.ReflectRequest, rawJSON bool) error {
	client := connect.NewClient[rpc.ReflectStreamRequest, rpc.ReflectEvent](buildH2CClient(), url, connect.WithCodec(connectjson.Codec{}))
	stream := client.CallBidiStream(ctx)

	if err := stream.Send(&rpc.ReflectStreamRequest{Reflect: &reqBody}); err != nil {
		return err
	}

	// propagate cancellation to the daemon.
	go func() {
		<-ctx.Done()
		_ = stream.Send(&rpc.ReflectStreamRequest{Cancel: true, SessionID: reqBody.SessionID, CorrelationID: reqBody.CorrelationID})
		_ = stream.CloseRequest()
	}()

	for {
		evt, err := stream.Receive()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := renderEvent(cmd, *evt, rawJSON); err != nil {
			return err
		}
	}
	_ = stream.CloseRequest()
	return stream.CloseResponse()
}

func renderEvent(cmd *cobra.Command, evt rpc.ReflectEvent, rawJSON bool) error {
	out := cmd.OutOrStdout()
	switch evt.Type {
	case "event":
		if payload, err := json.Marshal(evt.Payload); err == nil && len(evt.Payload) > 0 {
			fmt.Fprintf(out, "[%s] %s\n", evt.Event, string(payload))
		} else {
			fmt.Fprintf(out, "[%s]\n", evt.Event)
		}
	case "result":
		if evt.Result == nil {
			return nil
		}
		if rawJSON {
			data, err := json.MarshalIndent(evt.Result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		fmt.Fprintf(out, "\n[%s] iterations=%d confidence=%.2f gaps=%d\n",
			evt.Result.Status, evt.Result.IterationCount, evt.Result.FinalConfidence, len(evt.Result.IdentifiedGaps))
		fmt.Fprintln(out, evt.Result.FinalAnswer)
	case "error":
		return fmt.Errorf("daemon error: %s", evt.Error)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func buildH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
