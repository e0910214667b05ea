package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openduck/mallard/internal/httpc"
)

// Open-Meteo endpoints. See https://open-meteo.com/.
const (
	defaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"
)

// WeatherLookup fetches current weather from the Open-Meteo API, either
// by coordinates or by geocoding a location name.
type WeatherLookup struct {
	// Client defaults to the shared httpc client.
	Client *http.Client

	// GeocodeURL and ForecastURL override the Open-Meteo endpoints.
	// Tests point them at a local server.
	GeocodeURL  string
	ForecastURL string
}

// Tool returns the provider-facing tool descriptor backed by l.
func (l *WeatherLookup) Tool() Tool {
	return Tool{
		Name:        "get_weather_data",
		Description: "Get the current weather for a location, by name or by coordinates.",
		Parameters: map[string]any{
			"lat": map[string]any{
				"type":        "number",
				"description": "Latitude of the location",
			},
			"lon": map[string]any{
				"type":        "number",
				"description": "Longitude of the location",
			},
			"location_name": map[string]any{
				"type":        "string",
				"description": "Location name to search for instead of coordinates",
			},
		},
		Handler: l.lookup,
	}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	CurrentWeather struct {
		Temperature   float64 `json:"temperature"`
		WindSpeed     float64 `json:"windspeed"`
		WeatherCode   int     `json:"weathercode"`
		IsDay         int     `json:"is_day"`
		Time          string  `json:"time"`
	} `json:"current_weather"`
}

func (l *WeatherLookup) lookup(args map[string]any) (string, error) {
	lat, hasLat := asFloat(args["lat"])
	lon, hasLon := asFloat(args["lon"])
	name, _ := args["location_name"].(string)

	if name != "" {
		var err error
		lat, lon, name, err = l.geocode(name)
		if err != nil {
			return "", err
		}
		hasLat, hasLon = true, true
	}
	if !hasLat || !hasLon {
		return "", errors.New("both latitude and longitude are required")
	}

	fc, err := l.forecast(lat, lon)
	if err != nil {
		return "", err
	}

	report := map[string]any{
		"temperature_c": fc.CurrentWeather.Temperature,
		"windspeed_kmh": fc.CurrentWeather.WindSpeed,
		"weather_code":  fc.CurrentWeather.WeatherCode,
		"is_day":        fc.CurrentWeather.IsDay == 1,
		"observed_at":   fc.CurrentWeather.Time,
	}
	if name != "" {
		report["location_name"] = name
	}
	data, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return "Weather data: " + string(data), nil
}

func (l *WeatherLookup) geocode(name string) (lat, lon float64, resolved string, err error) {
	base := l.GeocodeURL
	if base == "" {
		base = defaultGeocodeURL
	}
	q := url.Values{"name": {name}, "count": {"1"}}

	var out geocodeResponse
	if err := l.getJSON(base+"?"+q.Encode(), &out); err != nil {
		return 0, 0, "", fmt.Errorf("geocoding %q: %w", name, err)
	}
	if len(out.Results) == 0 {
		return 0, 0, "", fmt.Errorf("location %q not found", name)
	}
	r := out.Results[0]
	return r.Latitude, r.Longitude, r.Name, nil
}

func (l *WeatherLookup) forecast(lat, lon float64) (*forecastResponse, error) {
	base := l.ForecastURL
	if base == "" {
		base = defaultForecastURL
	}
	q := url.Values{
		"latitude":         {fmt.Sprintf("%g", lat)},
		"longitude":        {fmt.Sprintf("%g", lon)},
		"current_weather":  {"true"},
		"temperature_unit": {"celsius"},
		"timezone":         {"auto"},
	}

	var out forecastResponse
	if err := l.getJSON(base+"?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetching weather: %w", err)
	}
	return &out, nil
}

func (l *WeatherLookup) getJSON(url string, v any) error {
	client := l.Client
	if client == nil {
		client = httpc.Client
	}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
