package web

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/citydb-services/internal/db"
	"github.com/citydb-services/internal/ingest"
	"github.com/citydb-services/internal/table"
)

// PreviewHandler classifies uploaded rows without writing anything.
type PreviewHandler struct {
	DB  *sql.DB
	Log *zap.SugaredLogger
}

// MappingPayload mirrors ingest.Mapping for the wire.
type MappingPayload struct {
	Name         string `json:"name,omitempty"`
	OpeningHours string `json:"opening_hours,omitempty"`
	Website      string `json:"website,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
	Capacity     string `json:"capacity,omitempty"`
	ExternalID   string `json:"external_id,omitempty"`
	Latitude     string `json:"latitude,omitempty"`
	Longitude    string `json:"longitude,omitempty"`
	Geometry     string `json:"geometry,omitempty"`
}

func (m *MappingPayload) toMapping() ingest.Mapping {
	if m == nil {
		return ingest.DefaultMapping()
	}
	return ingest.NewMapping(ingest.Mapping{
		Name:         m.Name,
		OpeningHours: m.OpeningHours,
		Website:      m.Website,
		Phone:        m.Phone,
		Address:      m.Address,
		Capacity:     m.Capacity,
		ExternalID:   m.ExternalID,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
		Geometry:     m.Geometry,
	})
}

// PreviewRequest is the preview API request body.
type PreviewRequest struct {
	City            string           `json:"city"`
	ServiceType     string           `json:"service_type"`
	Mapping         *MappingPayload  `json:"mapping,omitempty"`
	AddressPrefixes []string         `json:"address_prefixes,omitempty"`
	Rows            []map[string]any `json:"rows"`
}

// PreviewResponse is the preview API response body.
type PreviewResponse struct {
	City        string              `json:"city"`
	ServiceType string              `json:"service_type"`
	Rows        []ingest.RowPreview `json:"rows"`
}

// Preview classifies the posted rows against the database inside a
// transaction that is rolled back before responding.
func (h *PreviewHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.City == "" || req.ServiceType == "" {
		writeError(w, http.StatusBadRequest, "city and service_type are required")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows must not be empty")
		return
	}

	tbl := &table.Table{}
	for _, row := range req.Rows {
		tbl.Append(table.Row(row))
	}

	session, err := db.NewSession(r.Context(), h.DB)
	if err != nil {
		h.Log.Errorf("preview session: %v", err)
		writeError(w, http.StatusInternalServerError, "database session failed")
		return
	}
	defer session.Close()

	batch := ingest.NewBatch(ingest.NewPGStore(session), h.Log, ingest.Options{
		CityName:        req.City,
		ServiceType:     req.ServiceType,
		Mapping:         req.Mapping.toMapping(),
		AddressPrefixes: req.AddressPrefixes,
	})
	previews, err := batch.Preview(r.Context(), tbl)
	switch {
	case errors.Is(err, ingest.ErrCityNotFound), errors.Is(err, ingest.ErrServiceTypeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.Log.Errorf("preview: %v", err)
		writeError(w, http.StatusInternalServerError, "preview failed")
		return
	}

	writeJSON(w, http.StatusOK, PreviewResponse{
		City:        req.City,
		ServiceType: req.ServiceType,
		Rows:        previews,
	})
}

// LookupHandler serves the read-only dictionary endpoints.
type LookupHandler struct {
	DB  *sql.DB
	Log *zap.SugaredLogger
}

// ServiceTypeInfo is one row of the service type listing.
type ServiceTypeInfo struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Code         string `json:"code"`
	CityFunction string `json:"city_function,omitempty"`
}

// ServiceTypes lists the service types known to the database.
func (h *LookupHandler) ServiceTypes(w http.ResponseWriter, r *http.Request) {
	rows, err := h.DB.QueryContext(r.Context(), `
		SELECT st.id, st.name, st.code, COALESCE(cf.name, '')
		FROM city_service_types st
			LEFT JOIN city_functions cf ON st.city_function_id = cf.id
		ORDER BY st.name`)
	if err != nil {
		h.Log.Errorf("service types query: %v", err)
		writeError(w, http.StatusInternalServerError, "service types query failed")
		return
	}
	defer rows.Close()

	out := make([]ServiceTypeInfo, 0)
	for rows.Next() {
		var st ServiceTypeInfo
		if err := rows.Scan(&st.ID, &st.Name, &st.Code, &st.CityFunction); err != nil {
			h.Log.Errorf("service types scan: %v", err)
			writeError(w, http.StatusInternalServerError, "service types query failed")
			return
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		h.Log.Errorf("service types rows: %v", err)
		writeError(w, http.StatusInternalServerError, "service types query failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// PropertiesKeys lists the property document keys already stored for services
// of the given type, so callers can align their column mappings.
func (h *LookupHandler) PropertiesKeys(w http.ResponseWriter, r *http.Request) {
	serviceType := mux.Vars(r)["type"]

	session, err := db.NewSession(r.Context(), h.DB)
	if err != nil {
		h.Log.Errorf("properties keys session: %v", err)
		writeError(w, http.StatusInternalServerError, "database session failed")
		return
	}
	defer session.Close()

	keys, err := ingest.NewPGStore(session).PropertiesKeys(r.Context(), serviceType)
	if err != nil {
		h.Log.Errorf("properties keys: %v", err)
		writeError(w, http.StatusInternalServerError, "properties keys query failed")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"service_type": serviceType, "keys": keys})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
