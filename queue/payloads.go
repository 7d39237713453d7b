package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation types the host application ships handlers for. Registration
// stays open to any type string; these constants cover the built-in flows.
const (
	TypeSaveWorkout   = "save_workout"
	TypeDeleteWorkout = "delete_workout"
	TypeLogBiometrics = "log_biometrics"
	TypeUpdateProfile = "update_profile"
)

// SaveWorkoutPayload is the payload for TypeSaveWorkout.
type SaveWorkoutPayload struct {
	WorkoutID   string    `json:"workout_id"`
	Name        string    `json:"name"`
	PerformedAt time.Time `json:"performed_at"`
	DurationSec int       `json:"duration_sec,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// DeleteWorkoutPayload is the payload for TypeDeleteWorkout.
type DeleteWorkoutPayload struct {
	WorkoutID string `json:"workout_id"`
}

// LogBiometricsPayload is the payload for TypeLogBiometrics.
type LogBiometricsPayload struct {
	RecordedAt time.Time `json:"recorded_at"`
	WeightKg   float64   `json:"weight_kg,omitempty"`
	RestingHR  int       `json:"resting_hr,omitempty"`
	SleepHours float64   `json:"sleep_hours,omitempty"`
}

// UpdateProfilePayload is the payload for TypeUpdateProfile.
type UpdateProfilePayload struct {
	DisplayName string `json:"display_name,omitempty"`
	GoalPerWeek int    `json:"goal_per_week,omitempty"`
	Units       string `json:"units,omitempty"`
}

// EncodePayload renders a typed payload as the queue's wire string.
// Handlers decode their own variant on the way out.
func EncodePayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}
