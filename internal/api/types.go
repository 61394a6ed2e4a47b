package api

import "time"

// User is the authenticated principal's profile.
type User struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	Name           string   `json:"name"`
	Bio            string   `json:"bio"`
	AvatarURL      string   `json:"avatarUrl"`
	City           string   `json:"city"`
	FavoriteSports []string `json:"favoriteSports"`
}

// Message is a conversation-scoped chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// RegisterRequest carries the signup payload. FaceImage is a base64-encoded
// selfie consumed by the face-verification collaborator.
type RegisterRequest struct {
	Email          string   `json:"email"`
	Password       string   `json:"password"`
	Name           string   `json:"name"`
	City           string   `json:"city,omitempty"`
	FavoriteSports []string `json:"favoriteSports,omitempty"`
	FaceImage      string   `json:"faceImage"`
}

type messagesPage struct {
	Messages []Message `json:"messages"`
}

type errorBody struct {
	Message string `json:"message"`
}
