package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pulsartrack/backend/internal/http/dto"
	"github.com/pulsartrack/backend/internal/middleware"
	"github.com/pulsartrack/backend/internal/repositories"
	"go.uber.org/zap"
)

type UserHandler struct {
	userRepo   *repositories.UserRepo
	ledgerRepo *repositories.LedgerRepo
	log        *zap.Logger
}

func NewUserHandler(userRepo *repositories.UserRepo, ledgerRepo *repositories.LedgerRepo, log *zap.Logger) *UserHandler {
	return &UserHandler{userRepo: userRepo, ledgerRepo: ledgerRepo, log: log}
}

func (h *UserHandler) GetMe(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	user, err := h.userRepo.GetByID(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "user not found"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: user})
}

func (h *UserHandler) GetBalance(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	account, err := h.ledgerRepo.GetAccount(c.Context(), userID)
	if err != nil {
		h.log.Error("failed to load ledger account", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.BalanceResponse{
		UserID:      userID.String(),
		BalanceNano: account.BalanceNano.String(),
	}})
}

func (h *UserHandler) Ping(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if err := h.userRepo.UpdateLastActive(c.Context(), userID); err != nil {
		h.log.Error("failed to update last_active", zap.Error(err))
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}
