package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleStudent.Valid())
	assert.True(t, RoleTeacher.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("root").Valid())
}

func TestDifficultyForMastery(t *testing.T) {
	tests := []struct {
		mastery float64
		want    Difficulty
	}{
		{0.0, DifficultyEasy},
		{0.29, DifficultyEasy},
		{0.3, DifficultyMedium},
		{0.59, DifficultyMedium},
		{0.6, DifficultyHard},
		{1.0, DifficultyHard},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DifficultyForMastery(tt.mastery), "mastery %f", tt.mastery)
	}
}

func TestUserValidate(t *testing.T) {
	u := &User{Username: "siti", PasswordHash: "x", Role: RoleStudent}
	assert.NoError(t, u.Validate())

	u.Role = "superuser"
	assert.Error(t, u.Validate())

	u.Role = RoleStudent
	u.Username = ""
	assert.Error(t, u.Validate())
}

func TestSubjectValidate(t *testing.T) {
	s := &Subject{Grade: 10, Name: "Matematika", Code: "MAT10"}
	assert.NoError(t, s.Validate())

	s.Grade = 9
	assert.Error(t, s.Validate())

	s.Grade = 12
	s.Code = ""
	assert.Error(t, s.Validate())
}

func TestTopicMasteryValidate(t *testing.T) {
	tm := &TopicMastery{Topic: "aljabar", MasteryLevel: 0.5, QuestionCount: 4, CorrectCount: 3}
	assert.NoError(t, tm.Validate())

	tm.MasteryLevel = 1.2
	assert.Error(t, tm.Validate())

	tm.MasteryLevel = 0.5
	tm.CorrectCount = 5
	assert.Error(t, tm.Validate())
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{Token: "t", ExpiresAt: now.Add(time.Hour)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Hour)))
	assert.True(t, s.Expired(s.ExpiresAt))
}
