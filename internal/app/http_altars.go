package app

import (
	"net/http"

	"altar/api/internal/altars"
)

// handleAltars serves /api/altars and everything below it. parts excludes
// the "api/altars" prefix.
func (s *HTTPServer) handleAltars(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			caller, ok := s.requireIdentity(w, r)
			if !ok {
				return
			}
			items, err := s.service.altars.ListMine(r.Context(), caller)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			caller, ok := s.requireIdentity(w, r)
			if !ok {
				return
			}
			var body altars.CreateAltarInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.altars.Create(r.Context(), caller, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, view)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	roomID := parts[0]
	rest := parts[1:]
	if len(rest) == 0 {
		s.handleAltar(w, r, roomID)
		return
	}

	switch rest[0] {
	case "members":
		s.handleMembers(w, r, roomID, rest[1:])
	case "shares":
		s.handleShares(w, r, roomID, rest[1:])
	case "history":
		s.handleHistory(w, r, roomID, rest[1:])
	case "presence":
		if r.Method != http.MethodGet || len(rest) != 1 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		caller, ok := s.identify(w, r)
		if !ok {
			return
		}
		view, err := s.service.Presence(r.Context(), caller, roomID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAltar(w http.ResponseWriter, r *http.Request, roomID string) {
	switch r.Method {
	case http.MethodGet:
		caller, ok := s.identify(w, r)
		if !ok {
			return
		}
		view, err := s.service.altars.Get(r.Context(), caller, roomID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPatch:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var body altars.UpdateAltarInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.altars.Update(r.Context(), caller, roomID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		if err := s.service.altars.Delete(r.Context(), caller, roomID); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, roomID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		caller, ok := s.identify(w, r)
		if !ok {
			return
		}
		items, err := s.service.altars.ListMembers(r.Context(), caller, roomID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case len(rest) == 0 && r.Method == http.MethodPost:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var body altars.AddMemberInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		member, err := s.service.altars.AddMember(r.Context(), caller, roomID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, member)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		if err := s.service.altars.RemoveMember(r.Context(), caller, roomID, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleShares(w http.ResponseWriter, r *http.Request, roomID string, rest []string) {
	caller, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.altars.ListShares(r.Context(), caller, roomID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body altars.CreateShareInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		share, err := s.service.altars.CreateShare(r.Context(), caller, roomID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, share)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.altars.RevokeShare(r.Context(), caller, roomID, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, roomID string, rest []string) {
	if r.Method != http.MethodGet || len(rest) > 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	caller, ok := s.identify(w, r)
	if !ok {
		return
	}

	if len(rest) == 0 {
		items, err := s.service.History(r.Context(), caller, roomID, queryInt(r, "limit"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	data, err := s.service.Revision(r.Context(), caller, roomID, rest[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
