package chat

import "github.com/qinjingliuan/berryllm-studio/internal/common"

func NewSessionID() (string, error) {
	return common.NewULID()
}
