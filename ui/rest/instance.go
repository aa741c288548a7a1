package rest

import (
	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/AzielCF/az-bridge/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Instance struct {
	Service domainInstance.IInstanceUsecase
}

func InitRestInstance(app fiber.Router, service domainInstance.IInstanceUsecase) Instance {
	handler := Instance{Service: service}

	group := app.Group("/instances")
	group.Get("/", handler.List)
	group.Post("/", handler.Upsert)
	group.Put("/:id", handler.Upsert)
	group.Delete("/:id", handler.Remove)
	group.Get("/:id/qr", handler.QR)
	group.Post("/:id/logout", handler.Logout)
	group.Post("/:id/refresh", handler.Refresh)
	group.Post("/:id/history-import", handler.ImportHistory)

	app.Post("/auth-codes", handler.DeliverAuthCode)

	return handler
}

func (handler *Instance) List(c *fiber.Ctx) error {
	snapshots, err := handler.Service.List(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success get instances",
		Results: snapshots,
	})
}

func (handler *Instance) Upsert(c *fiber.Ctx) error {
	var request domainInstance.UpsertRequest
	if err := c.BodyParser(&request); err != nil {
		panic(pkgError.ValidationError("invalid request body: " + err.Error()))
	}
	if id := c.Params("id"); id != "" {
		request.ID = id
	}

	cfg, err := handler.Service.Upsert(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Instance saved",
		Results: cfg,
	})
}

func (handler *Instance) Remove(c *fiber.Ctx) error {
	err := handler.Service.Remove(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Instance removed",
	})
}

func (handler *Instance) QR(c *fiber.Ctx) error {
	qr, err := handler.Service.QR(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success get qr",
		Results: qr,
	})
}

func (handler *Instance) Logout(c *fiber.Ctx) error {
	err := handler.Service.Logout(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success logout",
	})
}

func (handler *Instance) Refresh(c *fiber.Ctx) error {
	err := handler.Service.Refresh(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Status refresh requested",
	})
}

func (handler *Instance) ImportHistory(c *fiber.Ctx) error {
	err := handler.Service.ImportHistory(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.Status(fiber.StatusAccepted).JSON(utils.ResponseData{
		Status:  fiber.StatusAccepted,
		Code:    "SUCCESS",
		Message: "History import started",
	})
}

func (handler *Instance) DeliverAuthCode(c *fiber.Ctx) error {
	var request domainInstance.AuthCodeRequest
	if err := c.BodyParser(&request); err != nil {
		panic(pkgError.ValidationError("invalid request body: " + err.Error()))
	}

	err := handler.Service.DeliverAuthCode(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Code delivered",
	})
}
