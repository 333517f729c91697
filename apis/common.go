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
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/subscription"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the base REST handler shared by the API handlers
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// ========================================================================================

// readSingleQuery read an optional query parameter which may appear at most once
func readSingleQuery(r *http.Request, name string) (string, bool, error) {
	values, ok := r.URL.Query()[name]
	if !ok {
		return "", false, nil
	}
	if len(values) != 1 {
		return "", false, fmt.Errorf("multiple '%s' given", name)
	}
	return values[0], true, nil
}

// readEventFilter read the "deviceId" and "clientId" query parameters. A blank value
// means no filtering on that field.
func readEventFilter(r *http.Request) (subscription.Key, error) {
	deviceID, _, err := readSingleQuery(r, "deviceId")
	if err != nil {
		return subscription.Key{}, err
	}
	clientID, _, err := readSingleQuery(r, "clientId")
	if err != nil {
		return subscription.Key{}, err
	}
	return subscription.NewKey(deviceID, clientID), nil
}

// readLimit read the optional "limit" query parameter, capped at maxLimit
func readLimit(r *http.Request, maxLimit int) (int, error) {
	raw, ok, err := readSingleQuery(r, "limit")
	if err != nil {
		return 0, err
	}
	if !ok {
		return maxLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}
