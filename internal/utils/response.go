package utils

import "github.com/gofiber/fiber/v2"

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Meta          interface{} `json:"meta,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// SendSuccess sends a 200 payload.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return send(c, fiber.StatusOK, APIResponse{Success: true, Data: data, Message: message})
}

// Accepted answers a request whose work continues in the background, such
// as a grade-all or regrade-all job.
func Accepted(c *fiber.Ctx, message string, data interface{}) error {
	return send(c, fiber.StatusAccepted, APIResponse{Success: true, Data: data, Message: message})
}

// OK sends a 200 payload with pagination or summary metadata.
func OK(c *fiber.Ctx, data interface{}, message string, meta interface{}) error {
	return send(c, fiber.StatusOK, APIResponse{Success: true, Data: data, Meta: meta, Message: message})
}

// SendError sends an error payload without details.
func SendError(c *fiber.Ctx, status int, message string) error {
	return Fail(c, status, message, nil)
}

// Fail sends an error payload. The request's correlation id is echoed so a
// failed grading call can be matched to the server logs.
func Fail(c *fiber.Ctx, status int, message string, details interface{}) error {
	if message == "" {
		message = "error"
	}
	correlationID, _ := c.Locals("correlation_id").(string)

	return c.Status(status).JSON(APIResponse{
		Success:       false,
		Details:       details,
		Message:       message,
		CorrelationID: correlationID,
	})
}

func send(c *fiber.Ctx, status int, payload APIResponse) error {
	if payload.Message == "" {
		payload.Message = "success"
	}
	return c.Status(status).JSON(payload)
}
