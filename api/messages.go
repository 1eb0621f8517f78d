package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"schoolchat/models"
)

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", errors.New("email and password are required")
	}

	var resp models.LoginResponse
	if err := c.sendJSON(ctx, "login", http.MethodPost, "/api/Auth/login", models.LoginRequest{
		Email:    email,
		Password: password,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", decodeError("login", errors.New("response carries no token"))
	}
	return resp.Token, nil
}

// DirectHistory fetches one page of the conversation with userID.
func (c *Client) DirectHistory(ctx context.Context, userID int64, page, pageSize int) ([]models.Message, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("invalid user id %d", userID)
	}

	var messages []models.Message
	op := fmt.Sprintf("direct history %d page %d", userID, page)
	if err := c.getJSON(ctx, op, fmt.Sprintf("/api/Message/direct/%d", userID), pageQuery(page, pageSize), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// GroupMessages fetches group metadata and one page of its messages.
func (c *Client) GroupMessages(ctx context.Context, groupChatID int64, page, pageSize int) (*models.GroupMessagesResponse, error) {
	if groupChatID <= 0 {
		return nil, fmt.Errorf("invalid group chat id %d", groupChatID)
	}

	var resp models.GroupMessagesResponse
	op := fmt.Sprintf("group messages %d page %d", groupChatID, page)
	if err := c.getJSON(ctx, op, fmt.Sprintf("/api/GroupChat/%d/messages", groupChatID), pageQuery(page, pageSize), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EditMessage replaces the content of message id.
func (c *Client) EditMessage(ctx context.Context, id int64, content string) error {
	if id <= 0 {
		return fmt.Errorf("invalid message id %d", id)
	}
	if content == "" {
		return errors.New("content is required")
	}
	return c.sendJSON(ctx, fmt.Sprintf("edit message %d", id), http.MethodPut, fmt.Sprintf("/api/Message/%d", id), models.EditMessageRequest{Content: content}, nil)
}

// DeleteMessage deletes message id.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("invalid message id %d", id)
	}
	return c.sendJSON(ctx, fmt.Sprintf("delete message %d", id), http.MethodDelete, fmt.Sprintf("/api/Message/%d", id), nil, nil)
}

func pageQuery(page, pageSize int) url.Values {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(pageSize))
	}
	return query
}
