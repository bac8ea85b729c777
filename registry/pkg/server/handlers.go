package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/malbeclabs/fleetlake/registry/pkg/ingest"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/query"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
)

// queryChannelHeader names the sequencing channel of a query. A response
// for a request overtaken on the same channel is 409.
const queryChannelHeader = "X-Query-Channel"

var errBadRequest = errors.New("bad request")

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, periods.ErrEmptyPartition):
		return http.StatusBadRequest
	case errors.Is(err, regularization.ErrMappingNotFound),
		errors.Is(err, regularization.ErrUnknownPair):
		return http.StatusNotFound
	case errors.Is(err, regularization.ErrDuplicateMapping),
		errors.Is(err, query.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, query.ErrRoadWearNotConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", errBadRequest, err)
	}
	return nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", errBadRequest, name)
	}
	return b, nil
}

// pairParams reads make, model and the optional period of a mapping.
func pairParams(r *http.Request) (regularization.Pair, *int, error) {
	q := r.URL.Query()
	pair := regularization.Pair{Make: q.Get("make"), Model: q.Get("model")}
	if pair.Make == "" || pair.Model == "" {
		return pair, nil, fmt.Errorf("%w: make and model are required", errBadRequest)
	}
	v := q.Get("period")
	if v == "" {
		return pair, nil, nil
	}
	year, err := periods.ParseLabel(v)
	if err != nil {
		return pair, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return pair, &year, nil
}

// waitFor blocks on a rebuild when the request asks for it with wait=true.
func waitFor(r *http.Request, done <-chan error) (bool, error) {
	wait, err := boolParam(r, "wait")
	if err != nil || !wait {
		return false, err
	}
	select {
	case err := <-done:
		return true, err
	case <-r.Context().Done():
		return false, r.Context().Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.Registry.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "warming"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Build)
}

type ingestRequest struct {
	Records []ingest.RawRecord `json:"records"`
}

type ingestResponse struct {
	ingest.Result
	Refreshing bool `json:"refreshing,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	refresh, err := boolParam(r, "refresh")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.cfg.Registry.Ingest(r.Context(), req.Records)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := ingestResponse{Result: res}
	if refresh {
		if _, err := s.cfg.Registry.Refresh(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Refreshing = true
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var spec query.FilterSpec
	if err := decode(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Registry.Query(r.Context(), r.Header.Get(queryChannelHeader), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	h, err := s.cfg.Registry.CanonicalHierarchy(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	exact, err := boolParam(r, "include_exact")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var status regularization.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = regularization.Status(v)
		if !status.Valid() {
			s.writeError(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, v))
			return
		}
	}

	pairs, err := s.cfg.Registry.UncuratedPairs(r.Context(), exact)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if status != "" {
		filtered := make([]regularization.UncuratedPair, 0, len(pairs))
		for _, p := range pairs {
			if p.Status == status {
				filtered = append(filtered, p)
			}
		}
		pairs = filtered
	}
	s.writeJSON(w, http.StatusOK, pairs)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Registry.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type suggestResponse struct {
	Found      bool                         `json:"found"`
	Suggestion *regularization.MappingInput `json:"suggestion,omitempty"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	pair, _, err := pairParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in, ok, err := s.cfg.Registry.Suggest(r.Context(), pair)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := suggestResponse{Found: ok}
	if ok {
		resp.Suggestion = &in
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	var (
		mappings []regularization.Mapping
		err      error
	)
	if r.URL.Query().Get("make") == "" && r.URL.Query().Get("model") == "" {
		mappings, err = s.cfg.Registry.AllMappings(r.Context())
	} else {
		var pair regularization.Pair
		if pair, _, err = pairParams(r); err == nil {
			mappings, err = s.cfg.Registry.Mappings(r.Context(), pair)
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mappings)
}

func decodeMapping(r *http.Request) (regularization.MappingInput, error) {
	var in regularization.MappingInput
	if err := decode(r, &in); err != nil {
		return in, err
	}
	if in.Pair.Make == "" || in.Pair.Model == "" {
		return in, fmt.Errorf("%w: pair make and model are required", errBadRequest)
	}
	return in, nil
}

func (s *Server) handleSaveMapping(w http.ResponseWriter, r *http.Request) {
	in, err := decodeMapping(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.cfg.Registry.SaveMapping(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	in, err := decodeMapping(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.cfg.Registry.CreateMapping(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	pair, period, err := pairParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Registry.DeleteMapping(r.Context(), pair, period); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rebuildResponse struct {
	Status    string            `json:"status"`
	Partition periods.Partition `json:"partition"`
}

// respondRebuild answers 202 while a rebuild runs, or 200 once a waited
// rebuild finished.
func (s *Server) respondRebuild(w http.ResponseWriter, r *http.Request, done <-chan error) {
	waited, err := waitFor(r, done)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := rebuildResponse{Status: "rebuilding", Partition: s.cfg.Registry.Partition()}
	status := http.StatusAccepted
	if waited {
		resp.Status = "rebuilt"
		status = http.StatusOK
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	done, err := s.cfg.Registry.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondRebuild(w, r, done)
}

func (s *Server) handleAutoRegularize(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Registry.AutoRegularize(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetPeriods(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Registry.Partition())
}

// periodsRequest accepts period lists in the same syntax as the
// CURATED_PERIODS and UNCURATED_PERIODS settings.
type periodsRequest struct {
	Curated   string `json:"curated"`
	Uncurated string `json:"uncurated"`
}

func (s *Server) handleSetPeriods(w http.ResponseWriter, r *http.Request) {
	var req periodsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	curated, err := periods.ParseList(req.Curated)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: curated: %v", errBadRequest, err))
		return
	}
	uncurated, err := periods.ParseList(req.Uncurated)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: uncurated: %v", errBadRequest, err))
		return
	}
	p, err := periods.NewPartition(curated, uncurated)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	done, err := s.cfg.Registry.SetPartition(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondRebuild(w, r, done)
}
