package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

type authLoginArgs struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type authLoginResult struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

func authLogin(syncUrl string, user string, password string) (string, error) {
	requestBody, err := json.Marshal(&authLoginArgs{
		User:     user,
		Password: password,
	})
	if err != nil {
		return "", err
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}
	response, err := client.Post(
		fmt.Sprintf("%s/auth/login", syncUrl),
		"application/json",
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	result := &authLoginResult{}
	if err := json.Unmarshal(responseBody, result); err != nil {
		return "", err
	}
	if result.Error != "" {
		return "", fmt.Errorf("%s", result.Error)
	}
	if response.StatusCode != 200 {
		return "", fmt.Errorf("Bad status: %s", response.Status)
	}
	return result.Token, nil
}
