// proctor-watch renders one assessment's candidate grid in the terminal by
// following the dashboard stream websocket.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/sockets"
	"github.com/pterm/pterm"
)

func main() {
	baseURL := flag.String("url", "ws://localhost:13480", "proctor server address")
	assessmentID := flag.String("assessment", "", "assessment to watch")
	credential := flag.String("credential", os.Getenv("PROCTOR_ADMIN_CREDENTIAL"), "admin credential")
	refresh := flag.String("refresh", "", "refresh this candidate once connected")
	flag.Parse()

	if *assessmentID == "" {
		pterm.Error.Println("-assessment is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, *baseURL, *assessmentID, *credential, *refresh); err != nil && ctx.Err() == nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func streamURL(base, assessmentID string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasPrefix(base, "http") {
		base = "ws" + base[4:]
	}
	return base + "/ws/assessments/" + url.PathEscape(assessmentID) + "/streams"
}

func watch(ctx context.Context, baseURL, assessmentID, credential, refresh string) error {
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:"+credential)))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, streamURL(baseURL, assessmentID), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("connect: %w", err)
	}
	socket := sockets.NewSocket(conn)
	stopClose := context.AfterFunc(ctx, func() { _ = socket.Close() })
	defer stopClose()
	defer socket.Close()

	if refresh != "" {
		if err := socket.WriteJSON(api.DashboardMessage{
			Event:   api.DashboardMessageEventRefresh,
			Refresh: &api.RefreshMessage{CandidateID: refresh},
		}); err != nil {
			return fmt.Errorf("send refresh: %w", err)
		}
	}

	area, err := pterm.DefaultArea.WithFullscreen().Start()
	if err != nil {
		return err
	}
	defer func() { _ = area.Stop() }()

	for {
		var msg api.DashboardMessage
		if err := socket.ReadJSON(&msg); err != nil {
			return fmt.Errorf("stream closed: %w", err)
		}
		switch msg.Event {
		case api.DashboardMessageEventPing:
			_ = socket.WriteJSON(api.DashboardMessage{Event: api.DashboardMessageEventPong, Ping: msg.Ping})
		case api.DashboardMessageEventSnapshot:
			if msg.Snapshot != nil {
				area.Update(render(*msg.Snapshot))
			}
		case api.DashboardMessageEventError:
			if msg.Error != nil {
				pterm.Warning.Println(*msg.Error)
			}
		}
	}
}

func render(s api.MonitoringStatus) string {
	var b strings.Builder

	state := "paused"
	switch {
	case s.IsLoading:
		state = "loading"
	case s.Monitoring:
		state = "monitoring"
	}
	b.WriteString(pterm.DefaultSection.Sprintf("%s (%s, %d candidates)", s.AssessmentID, state, len(s.ActiveCandidates)))

	if s.DiscoveryError != nil {
		b.WriteString(pterm.Error.Sprintf("%s (%d failures since %s)\n",
			s.DiscoveryError.Message, s.DiscoveryError.Failures, s.DiscoveryError.Since.Format(time.TimeOnly)))
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(tableData(s)).Srender()
	if err != nil {
		b.WriteString(err.Error())
		return b.String()
	}
	b.WriteString(table)
	return b.String()
}

func tableData(s api.MonitoringStatus) pterm.TableData {
	data := pterm.TableData{{"Candidate", "Session", "Status", "Tracks", "Error", "Updated"}}
	for _, c := range s.CandidateStreams {
		tracks := make([]string, 0, len(c.Tracks))
		for _, t := range c.Tracks {
			tracks = append(tracks, t.Kind+":"+t.Codec)
		}
		errText := ""
		if c.Error != nil {
			errText = *c.Error
			if c.ErrorKind != nil {
				errText = *c.ErrorKind + ": " + errText
			}
		}
		data = append(data, []string{
			c.CandidateID,
			c.SessionID,
			colorStatus(c.Status),
			strings.Join(tracks, " "),
			errText,
			c.UpdatedAt.Format(time.TimeOnly),
		})
	}
	return data
}

func colorStatus(status string) string {
	switch status {
	case "connected":
		return pterm.Green(status)
	case "degraded", "reconnecting":
		return pterm.Yellow(status)
	case "closed":
		return pterm.Red(status)
	default:
		return status
	}
}
