package handlers

import (
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pulsartrack/backend/internal/http/dto"
	"github.com/pulsartrack/backend/internal/middleware"
	"github.com/pulsartrack/backend/internal/models"
	"github.com/pulsartrack/backend/internal/rbac"
	"github.com/pulsartrack/backend/internal/repositories"
	"github.com/pulsartrack/backend/internal/services"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	auditRepo     *repositories.AuditRepo
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, auditRepo *repositories.AuditRepo, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, auditRepo: auditRepo, log: log}
}

func actorFromCtx(c *fiber.Ctx) rbac.Actor {
	return rbac.Actor{
		UserID:     middleware.GetUserID(c),
		TelegramID: middleware.GetTelegramUserID(c),
	}
}

func escrowIDParam(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

// escrowError maps the lifecycle controller's sentinel errors onto HTTP
// statuses. Unknown errors become 500 without leaking detail.
func (h *EscrowHandler) escrowError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrEscrowNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrUnauthorized):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrInvalidArgument):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrGateNotSatisfied),
		errors.Is(err, services.ErrAlreadyFinalized),
		errors.Is(err, services.ErrAlreadyReleased),
		errors.Is(err, services.ErrNotExpired),
		errors.Is(err, services.ErrNothingLocked),
		errors.Is(err, repositories.ErrInsufficientBalance):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	default:
		h.log.Error("escrow operation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
}

func (h *EscrowHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	beneficiary, err := uuid.Parse(req.BeneficiaryUserID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid beneficiary_user_id"})
	}
	amount, ok := new(big.Int).SetString(req.AmountNano, 10)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount_nano"})
	}

	approvers := make([]uuid.UUID, 0, len(req.RequiredApprovers))
	for _, raw := range req.RequiredApprovers {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid approver id"})
		}
		approvers = append(approvers, id)
	}

	escrow, err := h.escrowService.CreateEscrow(c.Context(), actorFromCtx(c), services.CreateEscrowInput{
		CampaignID:           req.CampaignID,
		BeneficiaryUserID:    beneficiary,
		AmountNano:           amount,
		TimeLockDuration:     time.Duration(req.TimeLockSeconds) * time.Second,
		ExpiresIn:            time.Duration(req.ExpiresInSeconds) * time.Second,
		PerformanceThreshold: req.PerformanceThreshold,
		RequiredApprovers:    approvers,
	})
	if err != nil {
		return h.escrowError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.NewEscrowResponse(escrow)})
}

func (h *EscrowHandler) Get(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	escrow, err := h.escrowService.GetEscrow(c.Context(), id)
	if err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.NewEscrowResponse(escrow)})
}

// List returns the caller's escrows, by deposit side unless ?side=beneficiary.
func (h *EscrowHandler) List(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c).String()
	f := repositories.EscrowFilter{
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if state := c.Query("state"); state != "" {
		f.State = &state
	}
	switch c.Query("side") {
	case "beneficiary":
		f.BeneficiaryUserID = &userID
	default:
		f.DepositorUserID = &userID
	}

	escrows, err := h.escrowService.ListEscrows(c.Context(), f)
	if err != nil {
		return h.escrowError(c, err)
	}
	out := make([]dto.EscrowResponse, 0, len(escrows))
	for i := range escrows {
		out = append(out, dto.NewEscrowResponse(&escrows[i]))
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *EscrowHandler) Approve(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	if err := h.escrowService.ApproveRelease(c.Context(), actorFromCtx(c), id); err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *EscrowHandler) Release(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	if err := h.escrowService.ReleaseEscrow(c.Context(), actorFromCtx(c), id); err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *EscrowHandler) ReleasePartial(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	var req dto.ReleasePartialRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	amount, ok := new(big.Int).SetString(req.AmountNano, 10)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount_nano"})
	}
	if err := h.escrowService.ReleasePartial(c.Context(), actorFromCtx(c), id, amount); err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *EscrowHandler) Refund(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	if err := h.escrowService.RefundEscrow(c.Context(), actorFromCtx(c), id); err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *EscrowHandler) CanRelease(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	gate, err := h.escrowService.CanRelease(c.Context(), id)
	if err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.NewGateResponse(gate)})
}

func (h *EscrowHandler) GetPerformance(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	report, err := h.escrowService.GetPerformance(c.Context(), id)
	if err != nil {
		return h.escrowError(c, err)
	}
	if report == nil {
		return c.JSON(dto.SuccessResponse{OK: true, Data: nil})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: report})
}

func (h *EscrowHandler) UpdatePerformance(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	var req dto.UpdatePerformanceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if err := h.escrowService.UpdatePerformance(c.Context(), actorFromCtx(c), id, req.Performance, req.ViewsDelivered, req.ClicksDelivered); err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *EscrowHandler) ListApprovals(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	approvals, err := h.escrowService.ListApprovals(c.Context(), id)
	if err != nil {
		return h.escrowError(c, err)
	}
	if approvals == nil {
		approvals = []models.EscrowApproval{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: approvals})
}

// Events returns the audit trail for one escrow.
func (h *EscrowHandler) Events(c *fiber.Ctx) error {
	id, err := escrowIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	if _, err := h.escrowService.GetEscrow(c.Context(), id); err != nil {
		return h.escrowError(c, err)
	}
	entries, err := h.auditRepo.GetByEntity(c.Context(), "escrow", strconv.FormatInt(id, 10), c.QueryInt("limit", 100), c.QueryInt("offset", 0))
	if err != nil {
		return h.escrowError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}
