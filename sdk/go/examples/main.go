// Command examples issues a demo token through a running solagentd.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"OpenMCP-Solana/sdk/go/solagent"
)

func main() {
	baseURL := os.Getenv("SOLAGENT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := solagent.NewClient(baseURL, solagent.WithAPIKey(os.Getenv("SOLAGENT_API_KEY")))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := client.CreateToken(ctx, solagent.CreateTokenRequest{
		Name:          "Demo",
		Symbol:        "DEMO",
		URI:           "https://example.com/demo.json",
		InitialSupply: "1000",
	})
	if solagent.IsCode(err, "ISSUANCE_SUPPLY_FAILED") {
		apiErr := err.(*solagent.APIError)
		mint := apiErr.Metadata["mint_address"]
		log.Printf("supply step failed for %s, resuming", mint)
		supply, resumeErr := client.ResumeSupply(ctx, mint)
		if resumeErr != nil {
			log.Fatal(resumeErr)
		}
		fmt.Println(supply.Summary)
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Summary)
}
