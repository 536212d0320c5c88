package handler_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-engine/internal/dto"
)

func TestInstanceHandlerStudentFlow(t *testing.T) {
	g := setupGradingApp(t, nil)
	exam := seedExam(t, g.db, "exam1")
	amy := seedStudent(t, g.db, "amy")

	id := g.startInstance(t, amy, exam.assessment.ID)
	require.Equal(t, id, g.startInstance(t, amy, exam.assessment.ID))

	submitAnswer(t, g.db, id, exam.questions[0].ID, 0.5)

	status, body := g.do(t, amy, http.MethodPost, fmt.Sprintf("/api/v2/assessment-instances/%d/grade", id), nil)
	require.Equal(t, fiber.StatusOK, status, body.Message)
	var graded dto.GradeResponse
	decodeData(t, body, &graded)
	require.Equal(t, id, graded.AssessmentInstanceID)
	require.False(t, graded.Closed)
	require.Equal(t, 2, graded.VariantsGraded)

	status, body = g.do(t, amy, http.MethodPost, fmt.Sprintf("/api/v2/assessment-instances/%d/finish", id), nil)
	require.Equal(t, fiber.StatusOK, status, body.Message)
	require.Equal(t, "assessment instance finished", body.Message)
	decodeData(t, body, &graded)
	require.True(t, graded.Closed)

	status, _ = g.do(t, amy, http.MethodPost, fmt.Sprintf("/api/v2/assessment-instances/%d/grade", id), nil)
	require.Equal(t, fiber.StatusForbidden, status)
}

func TestInstanceHandlerRejectsForeignAndUnknownResources(t *testing.T) {
	g := setupGradingApp(t, nil)
	exam := seedExam(t, g.db, "exam2")
	amy := seedStudent(t, g.db, "amy")
	bob := seedStudent(t, g.db, "bob")

	id := g.startInstance(t, amy, exam.assessment.ID)

	status, _ := g.do(t, bob, http.MethodPost, fmt.Sprintf("/api/v2/assessment-instances/%d/finish", id), nil)
	require.Equal(t, fiber.StatusForbidden, status)

	status, _ = g.do(t, amy, http.MethodPost, "/api/v2/assessment-instances/9999/grade", nil)
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = g.do(t, amy, http.MethodPost, "/api/v2/assessments/9999/instances", nil)
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = g.do(t, amy, http.MethodPost, "/api/v2/assessments/abc/instances", nil)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, _ = g.do(t, amy, http.MethodPost, fmt.Sprintf("/api/v2/assessments/%d/instances", exam.assessment.ID), map[string]interface{}{"time_limit_min": 0})
	require.Equal(t, fiber.StatusBadRequest, status)

	status, _ = g.do(t, caller{}, http.MethodPost, fmt.Sprintf("/api/v2/assessments/%d/instances", exam.assessment.ID), nil)
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = g.do(t, caller{id: amy.id, role: "teacher"}, http.MethodPost, fmt.Sprintf("/api/v2/assessments/%d/instances", exam.assessment.ID), nil)
	require.Equal(t, fiber.StatusForbidden, status)
}

func TestInstanceHandlerStateLogForStaff(t *testing.T) {
	g := setupGradingApp(t, nil)
	exam := seedExam(t, g.db, "exam3")
	amy := seedStudent(t, g.db, "amy")
	staff := caller{id: 99, role: "teacher"}

	id := g.startInstance(t, amy, exam.assessment.ID)
	status, _ := g.do(t, amy, http.MethodPost, fmt.Sprintf("/api/v2/assessment-instances/%d/finish", id), nil)
	require.Equal(t, fiber.StatusOK, status)

	status, _ = g.do(t, amy, http.MethodGet, fmt.Sprintf("/api/v2/assessment-instances/%d/log", id), nil)
	require.Equal(t, fiber.StatusForbidden, status)

	status, body := g.do(t, staff, http.MethodGet, fmt.Sprintf("/api/v2/assessment-instances/%d/log?event=close", id), nil)
	require.Equal(t, fiber.StatusOK, status, body.Message)
	var items []dto.StateLogResponse
	decodeData(t, body, &items)
	require.Len(t, items, 1)
	require.Equal(t, "close", items[0].Event)

	status, _ = g.do(t, staff, http.MethodGet, fmt.Sprintf("/api/v2/assessment-instances/%d/log?event=reopen", id), nil)
	require.Equal(t, fiber.StatusBadRequest, status)
}
