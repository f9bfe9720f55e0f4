package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"

	"github.com/Comcast/loom/tools"

	"go.uber.org/zap"
)

// HTTPService serves the JSON API over HTTP: POST an Op to /api, one
// response per request.  It also serves rendered specification pages
// at /specs/NAME.html and the WebSocket API at /ws/api.
func (s *Service) HTTPService(ctx context.Context, addr string) error {

	if err := s.WebSocketService(ctx); err != nil {
		return err
	}

	complain := func(w http.ResponseWriter, err error, status int) {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"err":%q}`+"\n", err.Error())
	}

	http.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		js, err := io.ReadAll(r.Body)
		if err != nil {
			complain(w, err, http.StatusBadRequest)
			return
		}
		if err = r.Body.Close(); err != nil {
			s.logger.Warn("http body close", zap.Error(err))
		}

		var op Op
		if err := json.Unmarshal(js, &op); err != nil {
			complain(w, err, http.StatusBadRequest)
			return
		}

		// The op carries its own error in Err.
		op.Do(ctx, s)

		if js, err = json.Marshal(&op); err != nil {
			complain(w, err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err = w.Write(js); err != nil {
			s.logger.Warn("http write", zap.Error(err))
		}
	})

	specPage := regexp.MustCompile(`^/specs/([-a-zA-Z0-9_]+)\.html$`)
	http.HandleFunc("/specs/", func(w http.ResponseWriter, r *http.Request) {
		ss := specPage.FindStringSubmatch(r.URL.Path)
		if ss == nil {
			http.NotFound(w, r)
			return
		}
		filename := filepath.Join(s.specDir, ss[1]+".yaml")
		if err := tools.ReadAndRenderSpecPage(filename, nil, w, true); err != nil {
			fmt.Fprintf(w, "can't render %s: %s", ss[1], err)
		}
	})

	s.logger.Info("http service listening", zap.String("addr", addr))

	srv := &http.Server{Addr: addr}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
