package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// ErrUnknownZone is returned when a zone has no devices in the last full sync.
var ErrUnknownZone = errors.New("zone not found in last full sync")

// actionCaller sends home-scoped calls and device calls outside the home.
type actionCaller interface {
	homeCaller
	Call(ctx context.Context, callType model.CallType, method, path string, payload any) (*driven.Response, error)
}

// refreshRequester is the slice of the PollService actions trigger.
type refreshRequester interface {
	RequestImmediateRefresh(reason string) (RefreshResult, error)
}

// ActionResult reports the follow-up refresh of a user action.
type ActionResult struct {
	Refresh RefreshResult `json:"refresh"`
}

// ActionService performs user-initiated writes and schedules an immediate
// refresh so the new state is visible without waiting for the next tick.
type ActionService struct {
	api       actionCaller
	store     driven.BlobStore
	refresher refreshRequester
	now       func() time.Time
}

// NewActionService creates an ActionService. store holds the synced zones
// used to find a zone's devices. store and refresher may be nil.
func NewActionService(api actionCaller, store driven.BlobStore, refresher refreshRequester) *ActionService {
	return &ActionService{api: api, store: store, refresher: refresher, now: time.Now}
}

// SetZoneOverlay applies a manual overlay to a zone.
func (s *ActionService) SetZoneOverlay(ctx context.Context, zoneID int, overlay model.Overlay) (ActionResult, error) {
	if zoneID < 1 {
		return ActionResult{}, fmt.Errorf("%w: zone id must be positive", model.ErrInvalidOverlay)
	}
	if err := overlay.Validate(); err != nil {
		return ActionResult{}, err
	}

	resource := fmt.Sprintf("zones/%d/overlay", zoneID)
	if _, err := s.api.HomeCall(ctx, model.CallTypeActionClimateSet, http.MethodPut, resource, overlayPayload(overlay)); err != nil {
		return ActionResult{}, fmt.Errorf("set overlay on zone %d: %w", zoneID, err)
	}

	slog.Info("zone overlay set",
		"zone_id", zoneID,
		"zone_type", string(overlay.ZoneType),
		"power", overlay.Power,
		"temperature", overlay.Temperature,
		"duration", overlay.Duration,
	)
	return s.refreshAfter(fmt.Sprintf("overlay set on zone %d", zoneID)), nil
}

// ResumeSchedule removes a zone's overlay so its smart schedule applies again.
func (s *ActionService) ResumeSchedule(ctx context.Context, zoneID int) (ActionResult, error) {
	if zoneID < 1 {
		return ActionResult{}, fmt.Errorf("%w: zone id must be positive", model.ErrInvalidOverlay)
	}

	resource := fmt.Sprintf("zones/%d/overlay", zoneID)
	if _, err := s.api.HomeCall(ctx, model.CallTypeActionClimateResume, http.MethodDelete, resource, nil); err != nil {
		return ActionResult{}, fmt.Errorf("resume schedule on zone %d: %w", zoneID, err)
	}

	slog.Info("zone schedule resumed", "zone_id", zoneID)
	return s.refreshAfter(fmt.Sprintf("schedule resumed on zone %d", zoneID)), nil
}

// SetPresence locks the home presence to HOME or AWAY.
func (s *ActionService) SetPresence(ctx context.Context, presence model.PresenceState) (ActionResult, error) {
	switch presence {
	case model.PresenceHome, model.PresenceAway:
	default:
		return ActionResult{}, fmt.Errorf("invalid presence %q", presence)
	}

	body := map[string]string{"homePresence": string(presence)}
	if _, err := s.api.HomeCall(ctx, model.CallTypeActionPresenceSet, http.MethodPut, "presenceLock", body); err != nil {
		return ActionResult{}, fmt.Errorf("set presence: %w", err)
	}

	slog.Info("presence set", "presence", string(presence))
	return s.refreshAfter("presence set to " + string(presence)), nil
}

// SetTemperatureOffset calibrates every device in a zone. The devices come
// from the zones payload of the last full sync.
func (s *ActionService) SetTemperatureOffset(ctx context.Context, zoneID int, celsius float64) (ActionResult, error) {
	if zoneID < 1 {
		return ActionResult{}, fmt.Errorf("%w: zone id must be positive", model.ErrInvalidAction)
	}
	if err := model.ValidateTemperatureOffset(celsius); err != nil {
		return ActionResult{}, err
	}

	serials, err := s.zoneDevices(ctx, zoneID)
	if err != nil {
		return ActionResult{}, err
	}

	body := map[string]float64{"celsius": celsius}
	for _, serial := range serials {
		path := "/devices/" + serial + "/temperatureOffset"
		if _, err := s.api.Call(ctx, model.CallTypeActionOffsetSet, http.MethodPut, path, body); err != nil {
			return ActionResult{}, fmt.Errorf("set offset on device %s: %w", serial, err)
		}
	}

	slog.Info("temperature offset set", "zone_id", zoneID, "offset", celsius, "devices", len(serials))
	return s.refreshAfter(fmt.Sprintf("offset set on zone %d", zoneID)), nil
}

// SetAwayConfiguration changes how a heating zone behaves while away. The
// setting is not part of the polled state, so no refresh follows.
func (s *ActionService) SetAwayConfiguration(ctx context.Context, zoneID int, cfg model.AwayConfiguration) error {
	if zoneID < 1 {
		return fmt.Errorf("%w: zone id must be positive", model.ErrInvalidAction)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	resource := fmt.Sprintf("zones/%d/schedule/awayConfiguration", zoneID)
	if _, err := s.api.HomeCall(ctx, model.CallTypeActionAwayConfig, http.MethodPut, resource, awayPayload(cfg)); err != nil {
		return fmt.Errorf("set away configuration on zone %d: %w", zoneID, err)
	}

	slog.Info("away configuration set", "zone_id", zoneID, "mode", string(cfg.Mode))
	return nil
}

// IdentifyDevice makes a device flash its display. Nothing observable
// changes, so no refresh follows.
func (s *ActionService) IdentifyDevice(ctx context.Context, serial string) error {
	if !validSerial(serial) {
		return fmt.Errorf("%w: invalid device serial %q", model.ErrInvalidAction, serial)
	}
	if _, err := s.api.Call(ctx, model.CallTypeActionIdentify, http.MethodPost, "/devices/"+serial+"/identify", nil); err != nil {
		return fmt.Errorf("identify device %s: %w", serial, err)
	}
	slog.Info("identify sent", "device", serial)
	return nil
}

// AddMeterReading records a meter reading. A zero Date means today.
func (s *ActionService) AddMeterReading(ctx context.Context, reading model.MeterReading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	if reading.Date.IsZero() {
		reading.Date = s.now()
	}

	body := map[string]any{
		"date":    reading.Date.Format(time.DateOnly),
		"reading": reading.Reading,
	}
	if _, err := s.api.HomeCall(ctx, model.CallTypeActionMeterReading, http.MethodPost, "meterReadings", body); err != nil {
		return fmt.Errorf("add meter reading: %w", err)
	}
	slog.Info("meter reading added", "date", body["date"], "reading", reading.Reading)
	return nil
}

// syncedZone is the part of the zones payload used to find devices.
type syncedZone struct {
	ID      int `json:"id"`
	Devices []struct {
		ShortSerialNo string `json:"shortSerialNo"`
	} `json:"devices"`
}

func (s *ActionService) zoneDevices(ctx context.Context, zoneID int) ([]string, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownZone, zoneID)
	}
	data, err := s.store.Get(ctx, driven.ResourceBlob("zones"))
	if err != nil {
		return nil, fmt.Errorf("load zones: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownZone, zoneID)
	}

	var zones []syncedZone
	if err := json.Unmarshal(data, &zones); err != nil {
		return nil, fmt.Errorf("decode zones: %w", err)
	}
	for _, z := range zones {
		if z.ID != zoneID {
			continue
		}
		var serials []string
		for _, d := range z.Devices {
			if validSerial(d.ShortSerialNo) {
				serials = append(serials, d.ShortSerialNo)
			}
		}
		if len(serials) > 0 {
			return serials, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownZone, zoneID)
}

// validSerial accepts the alphanumeric short serials devices report.
func validSerial(serial string) bool {
	if serial == "" || len(serial) > 32 {
		return false
	}
	for _, r := range serial {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func awayPayload(cfg model.AwayConfiguration) map[string]any {
	payload := map[string]any{
		"type":       "HEATING",
		"autoAdjust": false,
		"setting":    map[string]any{"type": "HEATING", "power": "OFF"},
	}
	switch cfg.Mode {
	case model.AwayModeAuto:
		payload["autoAdjust"] = true
		payload["comfortLevel"] = cfg.ComfortLevel
	case model.AwayModeManual:
		payload["setting"] = map[string]any{
			"type":        "HEATING",
			"power":       "ON",
			"temperature": map[string]float64{"celsius": cfg.Temperature},
		}
	}
	return payload
}

func (s *ActionService) refreshAfter(reason string) ActionResult {
	if s.refresher == nil {
		return ActionResult{}
	}

	res, err := s.refresher.RequestImmediateRefresh(reason)
	if err != nil {
		if !errors.Is(err, ErrNotRunning) {
			slog.Warn("immediate refresh not scheduled", "reason", reason, "error", err)
		}
		return ActionResult{}
	}
	return ActionResult{Refresh: res}
}

// overlayPayload builds the API body for an overlay.
func overlayPayload(o model.Overlay) map[string]any {
	setting := map[string]any{
		"type":  string(o.ZoneType),
		"power": "OFF",
	}
	if o.Power {
		setting["power"] = "ON"
		setting["temperature"] = map[string]float64{"celsius": o.Temperature}
	}

	termination := map[string]any{"typeSkillBasedApp": "MANUAL"}
	if o.Duration > 0 {
		termination = map[string]any{
			"typeSkillBasedApp": "TIMER",
			"durationInSeconds": int(o.Duration.Seconds()),
		}
	}

	return map[string]any{
		"setting":     setting,
		"termination": termination,
	}
}
