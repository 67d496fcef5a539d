// Package testutil provides testing utilities for the AEMET forecast client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Paths served by MockAEMET.
const (
	ForecastPathPrefix = "/prediccion/especifica/municipio/diaria/"
	DataPathPrefix     = "/datos/"
)

// MockAEMETResponse defines one scripted response.
type MockAEMETResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration

	// OmitDatos drops the datos field from a default stage-1 body.
	OmitDatos bool
}

// MockAEMET is a configurable mock of the AEMET OpenData two-stage API.
//
// Stage 1 answers GET {url}/prediccion/especifica/municipio/diaria/{id} and,
// by default, points datos at {url}/datos/{id}. Stage 2 answers
// GET {url}/datos/{id} with a one-day forecast. Scripts replace the defaults
// per municipality; the last scripted response repeats once the script is
// exhausted.
type MockAEMET struct {
	server *httptest.Server
	mu     sync.Mutex

	stage1Scripts map[string][]MockAEMETResponse
	stage2Scripts map[string][]MockAEMETResponse
	names         map[string]string
	date          time.Time

	stage1Count map[string]int
	stage2Count map[string]int
	keys        []string
	lastHeader  http.Header
}

// NewMockAEMET creates a new mock AEMET server. Default stage-2 payloads are
// dated on date.
func NewMockAEMET(date time.Time) *MockAEMET {
	mock := &MockAEMET{
		stage1Scripts: make(map[string][]MockAEMETResponse),
		stage2Scripts: make(map[string][]MockAEMETResponse),
		names:         make(map[string]string),
		date:          date,
		stage1Count:   make(map[string]int),
		stage2Count:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ForecastPathPrefix, mock.handleStage1)
	mux.HandleFunc(DataPathPrefix, mock.handleStage2)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL, usable as the client base URL.
func (m *MockAEMET) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAEMET) Close() {
	m.server.Close()
}

// SetName sets the municipality name used in default payloads.
func (m *MockAEMET) SetName(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id] = name
}

// ScriptStage1 scripts the metadata responses for one municipality.
func (m *MockAEMET) ScriptStage1(id string, responses ...MockAEMETResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage1Scripts[id] = responses
}

// ScriptStage2 scripts the data responses for one municipality.
func (m *MockAEMET) ScriptStage2(id string, responses ...MockAEMETResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage2Scripts[id] = responses
}

// Stage1Count returns the number of metadata requests for id.
func (m *MockAEMET) Stage1Count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage1Count[id]
}

// Stage2Count returns the number of data requests for id.
func (m *MockAEMET) Stage2Count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage2Count[id]
}

// Keys returns the api_key of every metadata request, in arrival order.
func (m *MockAEMET) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockAEMET) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

func (m *MockAEMET) handleStage1(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, ForecastPathPrefix)

	m.mu.Lock()
	n := m.stage1Count[id]
	m.stage1Count[id]++
	m.keys = append(m.keys, r.URL.Query().Get("api_key"))
	m.lastHeader = r.Header.Clone()
	resp, scripted := next(m.stage1Scripts[id], n)
	m.mu.Unlock()

	if !scripted {
		resp = NewOKResponse()
	}
	if resp.StatusCode == http.StatusOK && resp.Body == "" {
		resp.Body = m.metadataBody(id, resp.OmitDatos)
	}
	write(w, resp)
}

func (m *MockAEMET) handleStage2(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, DataPathPrefix)

	m.mu.Lock()
	n := m.stage2Count[id]
	m.stage2Count[id]++
	m.lastHeader = r.Header.Clone()
	resp, scripted := next(m.stage2Scripts[id], n)
	name, ok := m.names[id]
	if !ok {
		name = "Municipio " + id
	}
	date := m.date
	m.mu.Unlock()

	if !scripted {
		resp = MockAEMETResponse{StatusCode: http.StatusOK}
	}
	if resp.StatusCode == http.StatusOK && resp.Body == "" {
		resp.Body = SampleForecast(id, name, date)
	}
	write(w, resp)
}

func (m *MockAEMET) metadataBody(id string, omitDatos bool) string {
	body := map[string]any{
		"descripcion": "exito",
		"estado":      200,
		"metadatos":   m.server.URL + "/datos/metadatos",
	}
	if !omitDatos {
		body["datos"] = m.server.URL + DataPathPrefix + id
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func next(script []MockAEMETResponse, n int) (MockAEMETResponse, bool) {
	if len(script) == 0 {
		return MockAEMETResponse{}, false
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], true
}

func write(w http.ResponseWriter, resp MockAEMETResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewOKResponse creates a 200 response with the default body for its stage.
func NewOKResponse() MockAEMETResponse {
	return MockAEMETResponse{StatusCode: http.StatusOK}
}

// NewMissingDatosResponse creates a 200 stage-1 response without datos.
func NewMissingDatosResponse() MockAEMETResponse {
	return MockAEMETResponse{StatusCode: http.StatusOK, OmitDatos: true}
}

// NewRateLimitResponse creates a 429 Too Many Requests response carrying the
// AEMET diagnostic headers.
func NewRateLimitResponse() MockAEMETResponse {
	return MockAEMETResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"descripcion": "Límite de peticiones o caudal por minuto excedido", "estado": 429}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "50",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "1744272060",
			"Retry-After":           "60",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockAEMETResponse {
	return MockAEMETResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"descripcion": "Error interno", "estado": 500}`,
	}
}

// NewStatusResponse creates a bare response with the given status.
func NewStatusResponse(status int) MockAEMETResponse {
	return MockAEMETResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"descripcion": "%s", "estado": %d}`, http.StatusText(status), status),
	}
}

// SampleForecast renders a one-elaboration, one-day forecast for date with
// every period bucket filled in.
func SampleForecast(id, name string, date time.Time) string {
	day := date.Format("2006-01-02") + "T00:00:00"
	elaborated := date.Format("2006-01-02") + "T08:44:21"
	return fmt.Sprintf(`[{
  "origen": {"productor": "Agencia Estatal de Meteorología - AEMET. Gobierno de España", "web": "https://www.aemet.es", "enlace": "https://www.aemet.es/es/eltiempo/prediccion/municipios/%[1]s", "language": "es", "copyright": "© AEMET", "notaLegal": "https://www.aemet.es/es/nota_legal"},
  "elaborado": "%[3]s",
  "nombre": "%[2]s",
  "provincia": "%[2]s",
  "prediccion": {"dia": [{
    "probPrecipitacion": [
      {"value": 0, "periodo": "00-24"}, {"value": 0, "periodo": "00-12"}, {"value": 5, "periodo": "12-24"},
      {"value": 0, "periodo": "00-06"}, {"value": 0, "periodo": "06-12"}, {"value": 5, "periodo": "12-18"}, {"value": 0, "periodo": "18-24"}
    ],
    "cotaNieveProv": [
      {"value": "", "periodo": "00-24"}, {"value": "", "periodo": "00-12"}, {"value": "", "periodo": "12-24"},
      {"value": "", "periodo": "00-06"}, {"value": "", "periodo": "06-12"}, {"value": "", "periodo": "12-18"}, {"value": "", "periodo": "18-24"}
    ],
    "estadoCielo": [
      {"value": "", "periodo": "00-24", "descripcion": ""}, {"value": "11", "periodo": "00-12", "descripcion": "Despejado"}, {"value": "12", "periodo": "12-24", "descripcion": "Poco nuboso"},
      {"value": "11n", "periodo": "00-06", "descripcion": "Despejado"}, {"value": "11", "periodo": "06-12", "descripcion": "Despejado"}, {"value": "12", "periodo": "12-18", "descripcion": "Poco nuboso"}, {"value": "11n", "periodo": "18-24", "descripcion": "Despejado"}
    ],
    "viento": [
      {"direccion": "", "velocidad": 0, "periodo": "00-24"}, {"direccion": "N", "velocidad": 10, "periodo": "00-12"}, {"direccion": "NE", "velocidad": 15, "periodo": "12-24"},
      {"direccion": "C", "velocidad": 0, "periodo": "00-06"}, {"direccion": "N", "velocidad": 10, "periodo": "06-12"}, {"direccion": "NE", "velocidad": 15, "periodo": "12-18"}, {"direccion": "E", "velocidad": 5, "periodo": "18-24"}
    ],
    "rachaMax": [
      {"value": "", "periodo": "00-24"}, {"value": "", "periodo": "00-12"}, {"value": "30", "periodo": "12-24"},
      {"value": "", "periodo": "00-06"}, {"value": "", "periodo": "06-12"}, {"value": "30", "periodo": "12-18"}, {"value": "", "periodo": "18-24"}
    ],
    "temperatura": {"maxima": 24, "minima": 9, "dato": [{"value": 11, "hora": 6}, {"value": 20, "hora": 12}, {"value": 22, "hora": 18}, {"value": 14, "hora": 24}]},
    "sensTermica": {"maxima": 24, "minima": 8, "dato": [{"value": 10, "hora": 6}, {"value": 20, "hora": 12}, {"value": 22, "hora": 18}, {"value": 14, "hora": 24}]},
    "humedadRelativa": {"maxima": 85, "minima": 30, "dato": [{"value": 80, "hora": 6}, {"value": 40, "hora": 12}, {"value": 35, "hora": 18}, {"value": 70, "hora": 24}]},
    "uvMax": 6,
    "fecha": "%[4]s"
  }]},
  "id": "%[1]s",
  "version": 1.0
}]`, id, name, elaborated, day)
}
