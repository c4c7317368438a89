// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package remnawave is the client for the upstream VPN panel API.
package remnawave

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"grimm.is/fleetwall/internal/errors"
)

const (
	requestTimeout = 15 * time.Second

	// PageSize is how many users one page request returns.
	PageSize = 200
)

// User is one upstream panel user. ShortUUID doubles as the numeric
// email tag the xray access log carries.
type User struct {
	UUID            string `json:"uuid"`
	Email           int    `json:"email"`
	Username        string `json:"username"`
	Status          string `json:"status"`
	UsedTraffic     int64  `json:"usedTrafficBytes"`
	TrafficLimit    int64  `json:"trafficLimitBytes"`
	HWIDDeviceLimit int    `json:"hwidDeviceLimit"`
}

// Device is one registered HWID device.
type Device struct {
	HWID      string `json:"hwid"`
	Platform  string `json:"platform"`
	UserAgent string `json:"userAgent"`
	UpdatedAt string `json:"updatedAt"`
}

// Client talks to one upstream panel.
type Client struct {
	http *resty.Client
}

// New builds a client with bearer-token auth.
func New(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetTimeout(requestTimeout)
	return &Client{http: c}
}

func (c *Client) getJSON(ctx context.Context, path string, query map[string]string, out any) error {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return errors.Wrap(err, errors.KindConnectionRefused, "upstream panel unreachable")
	}
	switch {
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return errors.New(errors.KindAuth, "upstream panel rejected token")
	case resp.StatusCode() != 200:
		return errors.Errorf(errors.KindUnknown, "upstream panel returned %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrap(err, errors.KindValidation, "bad json from upstream panel")
	}
	return nil
}

// UsersPage fetches one page of users.
func (c *Client) UsersPage(ctx context.Context, start int) ([]User, int, error) {
	var body struct {
		Response struct {
			Users []User `json:"users"`
			Total int    `json:"total"`
		} `json:"response"`
	}
	err := c.getJSON(ctx, "/api/users", map[string]string{
		"start": fmt.Sprintf("%d", start),
		"size":  fmt.Sprintf("%d", PageSize),
	}, &body)
	if err != nil {
		return nil, 0, err
	}
	return body.Response.Users, body.Response.Total, nil
}

// AllUsers walks every page.
func (c *Client) AllUsers(ctx context.Context) ([]User, error) {
	var out []User
	start := 0
	for {
		page, total, err := c.UsersPage(ctx, start)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		start += len(page)
		if len(page) == 0 || start >= total {
			return out, nil
		}
	}
}

// Devices fetches the HWID devices registered to one user.
func (c *Client) Devices(ctx context.Context, userUUID string) ([]Device, error) {
	var body struct {
		Response struct {
			Devices []Device `json:"devices"`
		} `json:"response"`
	}
	err := c.getJSON(ctx, "/api/hwid/devices/"+userUUID, nil, &body)
	if err != nil {
		return nil, err
	}
	return body.Response.Devices, nil
}
