package walletobject

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

type Image struct {
	SourceURI ImageURI `json:"sourceUri"`
}

type ImageURI struct {
	URI string `json:"uri"`
}

type LoyaltyClass struct {
	ID                 string `json:"id"`
	IssuerName         string `json:"issuerName"`
	ProgramName        string `json:"programName"`
	ProgramLogo        *Image `json:"programLogo,omitempty"`
	HexBackgroundColor string `json:"hexBackgroundColor"`
	ReviewStatus       string `json:"reviewStatus"`
}

type Barcode struct {
	Type          string `json:"type"`
	Value         string `json:"value"`
	AlternateText string `json:"alternateText,omitempty"`
}

type LoyaltyBalance struct {
	String string `json:"string"`
}

type LoyaltyPoints struct {
	Label   string         `json:"label"`
	Balance LoyaltyBalance `json:"balance"`
}

type TextModule struct {
	ID     string `json:"id"`
	Header string `json:"header"`
	Body   string `json:"body"`
}

type LoyaltyObject struct {
	ID                 string         `json:"id"`
	ClassID            string         `json:"classId"`
	State              string         `json:"state"`
	AccountID          string         `json:"accountId"`
	AccountName        string         `json:"accountName"`
	HexBackgroundColor string         `json:"hexBackgroundColor"`
	Barcode            Barcode        `json:"barcode"`
	LoyaltyPoints      LoyaltyPoints  `json:"loyaltyPoints"`
	SecondaryPoints    *LoyaltyPoints `json:"secondaryLoyaltyPoints,omitempty"`
	TextModulesData    []TextModule   `json:"textModulesData"`
}

func buildClass(id string, content models.PassContent, logoURL string) LoyaltyClass {
	class := LoyaltyClass{
		ID:                 id,
		IssuerName:         content.OrganizationName,
		ProgramName:        content.Description,
		HexBackgroundColor: content.BackgroundColor,
		ReviewStatus:       "UNDER_REVIEW",
	}
	if logoURL != "" {
		class.ProgramLogo = &Image{SourceURI: ImageURI{URI: logoURL}}
	}
	return class
}

func buildObject(id, classID string, content models.PassContent) LoyaltyObject {
	accountName := content.OrganizationName
	modules := make([]TextModule, 0, len(content.SecondaryFields)+len(content.BackFields))
	for _, f := range content.SecondaryFields {
		if f.Key == "member" {
			accountName = f.Value
		}
		modules = append(modules, TextModule{ID: f.Key, Header: f.Label, Body: f.Value})
	}
	for _, f := range content.BackFields {
		modules = append(modules, TextModule{ID: f.Key, Header: f.Label, Body: f.Value})
	}
	return LoyaltyObject{
		ID:                 id,
		ClassID:            classID,
		State:              "ACTIVE",
		AccountID:          content.SerialNumber,
		AccountName:        accountName,
		HexBackgroundColor: content.BackgroundColor,
		Barcode: Barcode{
			Type:          "QR_CODE",
			Value:         content.BarcodePayload,
			AlternateText: content.SerialNumber,
		},
		LoyaltyPoints: LoyaltyPoints{
			Label:   content.PrimaryLabel,
			Balance: LoyaltyBalance{String: content.PrimaryValue},
		},
		SecondaryPoints: &LoyaltyPoints{
			Label:   content.RemainingLabel,
			Balance: LoyaltyBalance{String: content.RemainingValue},
		},
		TextModulesData: modules,
	}
}

// SaveURL signs a "save to wallet" link referencing an already-inserted object.
func (i *Issuer) SaveURL(creds *credentials.GoogleMaterial, objectID, classID string) (string, error) {
	if creds == nil || creds.PrivateKey == nil {
		return "", apperr.Newf(apperr.CredentialsMissing, "sign save link", "service account key not configured")
	}
	origins := i.origins
	if origins == nil {
		origins = []string{}
	}
	claims := jwt.MapClaims{
		"iss":     creds.ServiceAccountEmail,
		"aud":     "google",
		"typ":     "savetowallet",
		"iat":     i.now().Unix(),
		"origins": origins,
		"payload": map[string]interface{}{
			"loyaltyObjects": []map[string]string{{"id": objectID, "classId": classID}},
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(creds.PrivateKey)
	if err != nil {
		return "", apperr.New(apperr.InvalidKeyFormat, "sign save link", err)
	}
	return i.saveURLBase + signed, nil
}
