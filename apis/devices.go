// Copyright 2022 The telemetryhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestDeviceHandler REST handler for device registrations
type APIRestDeviceHandler struct {
	goutils.RestAPIHandler
	registry storage.DeviceRegistry
	validate *validator.Validate
}

// GetAPIRestDeviceHandler define APIRestDeviceHandler
func GetAPIRestDeviceHandler(
	registry storage.DeviceRegistry, httpConfig *common.HTTPConfig,
) (APIRestDeviceHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "devices",
	}
	return APIRestDeviceHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       registry,
		validate:       validator.New(),
	}, nil
}

// DeviceRegistrationRequest register a device to a client
type DeviceRegistrationRequest struct {
	DeviceID    string `json:"deviceId" validate:"required"`
	ClientID    string `json:"clientId" validate:"required"`
	DisplayName string `json:"displayName,omitempty"`
}

// APIRestRespDevice response carrying one device registration
type APIRestRespDevice struct {
	goutils.RestAPIBaseResponse
	Device storage.DeviceRegistration `json:"device"`
}

// RegisterDevice godoc
// @Summary Register a device
// @Description Create or replace the client registration of a device
// @tags Devices
// @Accept json
// @Produce json
// @Param Telemetryhub-Request-ID header string false "User provided request ID to match against logs"
// @Param registration body DeviceRegistrationRequest true "Device registration"
// @Success 200 {object} APIRestRespDevice "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Telemetryhub-Request-ID "Request ID to match against logs"
// @Router /v1/devices [post]
func (h APIRestDeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request DeviceRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	request.DeviceID = common.NormalizeID(request.DeviceID)
	request.ClientID = common.NormalizeID(request.ClientID)
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalid device registration"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	stored, err := h.registry.RegisterDevice(r.Context(), storage.DeviceRegistration{
		DeviceID:    request.DeviceID,
		ClientID:    request.ClientID,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		msg := fmt.Sprintf("Unable to register device %s", request.DeviceID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDevice{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Device: stored,
	}
}

// RegisterDeviceHandler Wrapper around RegisterDevice
func (h APIRestDeviceHandler) RegisterDeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterDevice(w, r)
	}
}

// -----------------------------------------------------------------------

// GetDevice godoc
// @Summary Get a device registration
// @Description Fetch the client registration of a device
// @tags Devices
// @Produce json
// @Param Telemetryhub-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceId path string true "Device ID"
// @Success 200 {object} APIRestRespDevice "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Telemetryhub-Request-ID "Request ID to match against logs"
// @Router /v1/devices/{deviceId} [get]
func (h APIRestDeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	deviceID := common.NormalizeID(mux.Vars(r)["deviceId"])
	if deviceID == "" {
		msg := "No device ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	reg, err := h.registry.GetDevice(r.Context(), deviceID)
	if err != nil {
		msg := fmt.Sprintf("Unable to read device %s", deviceID)
		respCode = http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			respCode = http.StatusNotFound
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDevice{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Device: reg,
	}
}

// GetDeviceHandler Wrapper around GetDevice
func (h APIRestDeviceHandler) GetDeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetDevice(w, r)
	}
}
