package forecast

import (
	"encoding/json"
	"strings"
	"testing"
)

const samplePayload = `[{
  "origen": {"productor": "Agencia Estatal de Meteorología - AEMET", "web": "https://www.aemet.es"},
  "elaborado": "2025-04-10T08:44:21",
  "nombre": "Madrid",
  "provincia": "Madrid",
  "prediccion": {"dia": [{
    "probPrecipitacion": [{"value": 0, "periodo": "00-24"}, {"value": 5, "periodo": "00-12"}],
    "cotaNieveProv": [{"value": "", "periodo": "00-24"}],
    "estadoCielo": [{"value": "11", "periodo": "00-24", "descripcion": "Despejado"}],
    "viento": [{"direccion": "NE", "velocidad": 10, "periodo": "00-24"}],
    "rachaMax": [{"value": "", "periodo": "00-24"}],
    "temperatura": {"maxima": 24, "minima": 9, "dato": [{"value": 12, "hora": 6}]},
    "sensTermica": {"maxima": 24, "minima": 8, "dato": []},
    "humedadRelativa": {"maxima": 80, "minima": 30, "dato": []},
    "uvMax": 6,
    "fecha": "2025-04-10T00:00:00"
  }]},
  "id": 28079,
  "version": 1.0
}]`

func TestForecast_Decode(t *testing.T) {
	var f Forecast
	if err := json.Unmarshal([]byte(samplePayload), &f); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if len(f) != 1 {
		t.Fatalf("len(f) = %d, want 1", len(f))
	}
	p := f[0]
	if p.Province != "Madrid" {
		t.Errorf("Province = %q, want Madrid", p.Province)
	}
	if len(p.Prediction.Days) != 1 {
		t.Fatalf("len(Days) = %d, want 1", len(p.Prediction.Days))
	}

	day := p.Prediction.Days[0]
	if got := day.PrecipitationProbability[1].Value.String(); got != "5" {
		t.Errorf("probPrecipitacion[1] = %q, want 5", got)
	}
	if !day.SnowLevel[0].Value.IsZero() {
		t.Errorf("cotaNieveProv should be zero, got %q", day.SnowLevel[0].Value.String())
	}
	if got := day.SkyState[0].Description; got != "Despejado" {
		t.Errorf("estadoCielo descripcion = %q, want Despejado", got)
	}
	if got, ok := day.Temperature.Max.Float(); !ok || got != 24 {
		t.Errorf("temperatura maxima = %v (%v), want 24", got, ok)
	}
	if got := p.ID.String(); got != "28079" {
		t.Errorf("id = %q, want 28079", got)
	}
}

func TestForecast_StripTransient(t *testing.T) {
	var f Forecast
	if err := json.Unmarshal([]byte(samplePayload), &f); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if f[0].Origin == nil {
		t.Fatal("origen should be present before stripping")
	}

	f.StripTransient()

	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(out), "origen") {
		t.Errorf("stripped payload still contains origen: %s", out)
	}
	if !strings.Contains(string(out), `"elaborado":"2025-04-10T08:44:21"`) {
		t.Errorf("stripped payload lost elaborado: %s", out)
	}
}

func TestPrediction_KeepsUnmodelledFields(t *testing.T) {
	payload := strings.Replace(samplePayload, `"version": 1.0`, `"version": 1.0, "avisos": {"nivel": "amarillo"}`, 1)
	payload = strings.Replace(payload, `"uvMax": 6,`, `"uvMax": 6, "indiceCalor": 2,`, 1)

	var f Forecast
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	f.StripTransient()

	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`"avisos":{"nivel":"amarillo"}`, `"indiceCalor":2`, `"provincia":"Madrid"`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("encoded payload lost %s: %s", want, out)
		}
	}
	if strings.Contains(string(out), "origen") {
		t.Errorf("encoded payload still contains origen: %s", out)
	}

	fields := strings.Join(f[0].Fields(), ",")
	if fields != "avisos,elaborado,id,nombre,prediccion,provincia,version" {
		t.Errorf("Fields() = %s", fields)
	}
}

func TestPrediction_BuiltInCode(t *testing.T) {
	f := Forecast{{Elaborated: "2025-04-10T08:44:21", Name: "Madrid", ID: V("28079")}}

	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), `"nombre":"Madrid"`) || !strings.Contains(string(out), `"id":28079`) {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestValue(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		isZero bool
	}{
		{name: "number", raw: `12`, want: "12"},
		{name: "numeric string", raw: `"11n"`, want: "11n"},
		{name: "empty string", raw: `""`, want: "", isZero: true},
		{name: "null", raw: `null`, want: "", isZero: true},
		{name: "zero number", raw: `0`, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tt.raw), &v); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if v.String() != tt.want {
				t.Errorf("String() = %q, want %q", v.String(), tt.want)
			}
			if v.IsZero() != tt.isZero {
				t.Errorf("IsZero() = %v, want %v", v.IsZero(), tt.isZero)
			}
		})
	}
}

func TestV(t *testing.T) {
	if got := string(V("25")); got != "25" {
		t.Errorf("V(25) = %s, want 25", got)
	}
	if got := string(V("NE")); got != `"NE"` {
		t.Errorf(`V(NE) = %s, want "NE"`, got)
	}
}

func TestBatchResult_Total(t *testing.T) {
	r := BatchResult{
		Succeeded: []Record{{MunicipalityID: "28079"}},
		Failed:    []Entity{{ID: "99999"}, {ID: "08019"}},
	}
	if r.Total() != 3 {
		t.Errorf("Total() = %d, want 3", r.Total())
	}
}
